package worker

import (
	"context"
)

// writeThrough 在后台把网络响应写入当前版本的桶，调用方无需等待。
// 写入失败只记录日志，不影响已经返回给客户端的响应。
func (w *Worker) writeThrough(ctx context.Context, key string, resp *Response) {
	w.writeMu.Lock()
	if w.writesClosed {
		w.writeMu.Unlock()
		return
	}
	w.pending.Add(1)
	w.writeMu.Unlock()

	entry := resp.toEntry(key)
	bctx := context.WithoutCancel(ctx)
	go func() {
		defer w.pending.Done()
		bucket, err := w.openBucket(bctx)
		if err == nil {
			err = bucket.Put(bctx, entry)
		}
		if err != nil {
			w.logger.WithError(err).WithFields(w.fields("write_through_failed")).
				WithField("cache_key", key).Warn("background cache write failed")
			return
		}
		w.logger.WithFields(w.fields("write_through")).
			WithField("cache_key", key).Debug("response cached")
	}()
}

// StopWrites 拒绝后续的后台写入。被新版本取代的 worker 必须先调用它，
// 否则迟到的回写可能在 activate 之后重新创建已清理的旧桶。
func (w *Worker) StopWrites() {
	w.writeMu.Lock()
	w.writesClosed = true
	w.writeMu.Unlock()
}

// Wait 阻塞直到所有已发起的后台写入结束。
func (w *Worker) Wait() {
	w.pending.Wait()
}
