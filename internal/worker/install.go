package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// AssetOutcome 记录单个核心资源的预缓存结果。
type AssetOutcome struct {
	Key      string
	Success  bool
	Status   int
	Attempts int
	Err      error
}

// InstallReport 汇总一次 install 的结果。install 是尽力而为的：
// 单个资源失败不会让 install 失败。
type InstallReport struct {
	Site      string
	CacheName string
	Outcomes  []AssetOutcome
	StartedAt time.Time
	Duration  time.Duration
}

// Succeeded 返回成功写入的资源数量。
func (r *InstallReport) Succeeded() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, outcome := range r.Outcomes {
		if outcome.Success {
			count++
		}
	}
	return count
}

// Failed 返回失败的资源结果。
func (r *InstallReport) Failed() []AssetOutcome {
	if r == nil {
		return nil
	}
	var failed []AssetOutcome
	for _, outcome := range r.Outcomes {
		if !outcome.Success {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.Status, http.StatusText(e.Status))
}

// OnInstall 打开当前版本的桶并并发预缓存资源清单。返回 error 仅表示桶
// 无法打开；单个资源的失败记录在报告中。
func (w *Worker) OnInstall(ctx context.Context) (*InstallReport, error) {
	report := &InstallReport{
		Site:      w.opts.Site,
		CacheName: w.opts.CacheName,
		StartedAt: time.Now(),
	}
	bucket, err := w.openBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", w.opts.CacheName, err)
	}

	outcomes := make([]AssetOutcome, len(w.opts.Manifest))
	var g errgroup.Group
	g.SetLimit(w.opts.InstallConcurrency)
	for i, key := range w.opts.Manifest {
		g.Go(func() error {
			outcomes[i] = w.installAsset(ctx, bucket, key)
			return nil
		})
	}
	_ = g.Wait()

	report.Outcomes = outcomes
	report.Duration = time.Since(report.StartedAt)

	for _, outcome := range report.Failed() {
		w.logger.WithFields(w.fields("install_asset_failed")).WithFields(logrus.Fields{
			"cache_key": outcome.Key,
			"status":    outcome.Status,
			"attempts":  outcome.Attempts,
			"error":     errString(outcome.Err),
		}).Warn("core asset not cached")
	}
	w.logger.WithFields(w.fields("install")).WithFields(logrus.Fields{
		"assets":    len(outcomes),
		"succeeded": report.Succeeded(),
		"elapsed":   report.Duration.String(),
	}).Info("install finished")
	return report, nil
}

// installAsset 对单个资源做有限次指数退避重试：网络错误、5xx 与 429 可重试，
// 其余非 2xx 立即放弃。
func (w *Worker) installAsset(ctx context.Context, bucket cache.Bucket, key string) AssetOutcome {
	outcome := AssetOutcome{Key: key}
	req := w.assetRequest(key)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.opts.InitialBackoff

	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		outcome.Attempts++
		resp, err := w.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("empty response")
		}
		outcome.Status = resp.Status
		if resp.OK() {
			return resp, nil
		}
		statusErr := &StatusError{Status: resp.Status}
		if resp.Status >= http.StatusInternalServerError || resp.Status == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(w.opts.MaxRetries+1)))
	if err != nil {
		outcome.Err = err
		return outcome
	}

	if err := bucket.Put(ctx, resp.toEntry(key)); err != nil {
		outcome.Err = fmt.Errorf("store %s: %w", key, err)
		return outcome
	}
	outcome.Success = true
	return outcome
}

func (w *Worker) assetRequest(key string) *Request {
	target := &url.URL{Scheme: "http", Host: w.opts.Domain}
	if parsed, err := url.Parse(key); err == nil {
		target.Path = parsed.Path
		target.RawPath = parsed.RawPath
		target.RawQuery = parsed.RawQuery
	}
	return &Request{
		Method:      http.MethodGet,
		URL:         target,
		Mode:        ModeNoCORS,
		Destination: DestinationFor(target.Path),
		Header:      http.Header{},
	}
}

// DestinationFor 根据路径扩展名推断资源类型，无法判断时返回空值。
func DestinationFor(p string) Destination {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return DestinationNone
	}
	switch ext {
	case ".html", ".htm":
		return DestinationDocument
	case ".js", ".mjs":
		return DestinationScript
	case ".css":
		return DestinationStyle
	case ".woff", ".woff2", ".ttf", ".otf":
		return DestinationFont
	}
	if strings.HasPrefix(mime.TypeByExtension(ext), "image/") {
		return DestinationImage
	}
	return DestinationNone
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
