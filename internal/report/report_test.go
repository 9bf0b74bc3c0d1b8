package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/worker"
)

func TestWriteInstallListsOutcomes(t *testing.T) {
	statuses := []worker.Status{
		{
			Site:       "farm",
			Controller: "farm-ledger-cache-v3",
			Install: &worker.InstallReport{
				Site:      "farm",
				CacheName: "farm-ledger-cache-v3",
				Duration:  120 * time.Millisecond,
				Outcomes: []worker.AssetOutcome{
					{Key: "/index.html", Success: true, Status: 200, Attempts: 1},
					{Key: "/missing.css", Status: 404, Attempts: 1, Err: &worker.StatusError{Status: 404}},
				},
			},
		},
		{Site: "blog", LastError: "open cache bucket: disk gone"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteInstall(&buf, statuses, false))
	out := buf.String()

	assert.Contains(t, out, "/index.html")
	assert.Contains(t, out, "cached")
	assert.Contains(t, out, "/missing.css")
	assert.Contains(t, out, "upstream")
	assert.Contains(t, out, "not installed")
	assert.Contains(t, out, "Precached 2 sites: 1 cached, 1 failed")
}

func TestCollectAndWriteBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	current, err := storage.Open(ctx, "farm-ledger-cache-v3")
	require.NoError(t, err)
	require.NoError(t, current.Put(ctx, &cache.Entry{Key: "/index.html", Body: []byte("shell")}))
	require.NoError(t, current.Put(ctx, &cache.Entry{Key: "/app.js", Body: []byte("js")}))
	_, err = storage.Open(ctx, "farm-ledger-cache-v2")
	require.NoError(t, err)

	rows, err := CollectBuckets(ctx, "farm", "farm-ledger-cache-v3", storage)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, BucketRow{Site: "farm", Bucket: "farm-ledger-cache-v2", Entries: 0}, rows[0])
	assert.Equal(t, BucketRow{Site: "farm", Bucket: "farm-ledger-cache-v3", Entries: 2, Current: true}, rows[1])

	var buf bytes.Buffer
	require.NoError(t, WriteBuckets(&buf, rows, false))
	out := buf.String()
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "current")
	assert.Contains(t, out, "2 buckets, 1 stale")
}
