package worker

import (
	"context"
	"errors"
	"fmt"
)

// ActivateReport 记录 activate 删除的旧桶。
type ActivateReport struct {
	CacheName string
	Deleted   []string
}

// OnActivate 删除站点命名空间下除当前版本以外的所有桶，并确保当前桶存在。
// 某个桶删除失败时继续处理其余桶，错误合并后返回。
func (w *Worker) OnActivate(ctx context.Context) (*ActivateReport, error) {
	report := &ActivateReport{CacheName: w.opts.CacheName}
	names, err := w.storage.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list caches: %w", err)
	}

	var errs []error
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		if deleted {
			report.Deleted = append(report.Deleted, name)
		}
	}
	if _, err := w.openBucket(ctx); err != nil {
		errs = append(errs, fmt.Errorf("open cache %s: %w", w.opts.CacheName, err))
	}

	w.logger.WithFields(w.fields("activate")).
		WithField("deleted", report.Deleted).Info("stale caches evicted")
	return report, errors.Join(errs...)
}
