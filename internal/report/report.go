// Package report renders CLI tables for precache runs and cache bucket
// inventories.
package report

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/worker"
)

// BucketRow 描述某个站点命名空间下的一个缓存桶。
type BucketRow struct {
	Site    string
	Bucket  string
	Entries int
	Current bool
}

// CollectBuckets 列出 storage 中的所有桶及条目数，current 为站点当前版本。
func CollectBuckets(ctx context.Context, site, current string, storage cache.Storage) ([]BucketRow, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets for %s: %w", site, err)
	}
	rows := make([]BucketRow, 0, len(names))
	for _, name := range names {
		bucket, err := storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s/%s: %w", site, name, err)
		}
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys %s/%s: %w", site, name, err)
		}
		rows = append(rows, BucketRow{
			Site:    site,
			Bucket:  name,
			Entries: len(keys),
			Current: name == current,
		})
	}
	return rows, nil
}

type palette struct {
	ok, bad, warn func(...any) string
}

func newPalette(useColors bool) palette {
	if !useColors {
		return palette{ok: fmt.Sprint, bad: fmt.Sprint, warn: fmt.Sprint}
	}
	return palette{
		ok:   color.New(color.FgGreen).SprintFunc(),
		bad:  color.New(color.FgRed).SprintFunc(),
		warn: color.New(color.FgYellow).SprintFunc(),
	}
}

// WriteInstall 输出每个站点预缓存的逐资源结果，以及汇总行。
func WriteInstall(w io.Writer, statuses []worker.Status, useColors bool) error {
	colors := newPalette(useColors)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Site", "Cache", "Asset", "Result", "Status", "Attempts", "Error"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	var (
		data      [][]string
		succeeded int
		failed    int
		elapsed   time.Duration
	)
	for _, status := range statuses {
		report := status.Install
		if report == nil {
			data = append(data, []string{status.Site, status.Controller, "-", colors.bad("not installed"), "-", "-", status.LastError})
			continue
		}
		elapsed += report.Duration
		for _, outcome := range report.Outcomes {
			result := colors.ok("cached")
			errText := ""
			if !outcome.Success {
				result = colors.bad("failed")
				failed++
				if outcome.Err != nil {
					errText = outcome.Err.Error()
				}
			} else {
				succeeded++
			}
			code := "-"
			if outcome.Status > 0 {
				code = strconv.Itoa(outcome.Status)
			}
			data = append(data, []string{
				status.Site,
				report.CacheName,
				outcome.Key,
				result,
				code,
				strconv.Itoa(outcome.Attempts),
				errText,
			})
		}
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d cached, %d failed", succeeded, failed)
	if failed > 0 {
		summary = colors.warn(summary)
	}
	_, err := fmt.Fprintf(w, "Precached %d sites: %s (install time %v)\n", len(statuses), summary, elapsed.Round(time.Millisecond))
	return err
}

// WriteBuckets 输出缓存桶清单，非当前版本的桶标记为 stale。
func WriteBuckets(w io.Writer, rows []BucketRow, useColors bool) error {
	colors := newPalette(useColors)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Site", "Bucket", "Entries", "State"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	var data [][]string
	stale := 0
	for _, row := range rows {
		state := colors.ok("current")
		if !row.Current {
			state = colors.warn("stale")
			stale++
		}
		data = append(data, []string{row.Site, row.Bucket, strconv.Itoa(row.Entries), state})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d buckets, %d stale (removed on next activation)\n", len(rows), stale)
	return err
}
