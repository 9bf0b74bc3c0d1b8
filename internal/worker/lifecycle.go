package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Phase 描述最新一代 worker 所处的生命周期阶段。
type Phase string

const (
	PhaseNone       Phase = "none"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	PhaseRedundant  Phase = "redundant"
)

// Status 是 Registration 的只读快照，用于诊断端与 CLI 报表。
type Status struct {
	Site        string
	Phase       Phase
	Controller  string
	Pending     string
	Install     *InstallReport
	Activate    *ActivateReport
	ActivatedAt time.Time
	LastError   string
	Generations int
}

// Registration 管理一个站点的 worker 代际：新一代完成 install 后立即
// activate（不等待旧客户端），activate 结束后原子地接管所有请求。
type Registration struct {
	site   string
	logger *logrus.Logger

	updateMu sync.Mutex
	active   atomic.Pointer[Worker]

	stateMu sync.RWMutex
	status  Status
}

// NewRegistration 创建尚无 controller 的站点注册表。
func NewRegistration(site string, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{
		site:   site,
		logger: logger,
		status: Status{Site: site, Phase: PhaseNone},
	}
}

// Controller 返回当前接管请求的 worker，首次 activate 之前为 nil。
func (r *Registration) Controller() *Worker {
	if r == nil {
		return nil
	}
	return r.active.Load()
}

// Status 返回状态快照。
func (r *Registration) Status() Status {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.status
}

// Update 以 next 作为新一代 worker 执行 install → activate → claim。
// 同一站点的多次 Update 串行执行。install 无法打开缓存桶时 next 被标记
// 为 redundant，旧 controller 保持不变；activate 的清理错误只记录，不阻止接管。
func (r *Registration) Update(ctx context.Context, next *Worker) error {
	if next == nil {
		return errors.New("worker required")
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	prev := r.active.Load()
	if prev == next {
		return nil
	}

	r.setPhase(PhaseInstalling, func(s *Status) { s.Pending = next.CacheName() })
	install, err := next.OnInstall(ctx)
	if err != nil {
		r.setPhase(PhaseRedundant, func(s *Status) {
			s.Pending = ""
			s.LastError = err.Error()
		})
		r.logger.WithError(err).WithFields(next.fields("install_failed")).Error("worker install failed")
		return fmt.Errorf("install %s: %w", next.CacheName(), err)
	}
	r.setPhase(PhaseInstalled, func(s *Status) { s.Install = install })

	r.setPhase(PhaseActivating, nil)
	if prev != nil {
		prev.StopWrites()
		prev.Wait()
	}
	activate, actErr := next.OnActivate(ctx)
	r.active.Store(next)

	r.setPhase(PhaseActivated, func(s *Status) {
		s.Controller = next.CacheName()
		s.Pending = ""
		s.Activate = activate
		s.ActivatedAt = time.Now()
		s.Generations++
		s.LastError = ""
		if actErr != nil {
			s.LastError = actErr.Error()
		}
	})
	entry := r.logger.WithFields(next.fields("claim"))
	if prev != nil {
		entry = entry.WithField("previous", prev.CacheName())
	}
	if actErr != nil {
		entry.WithError(actErr).Warn("worker activated with cleanup errors")
	} else {
		entry.Info("worker activated")
	}
	return nil
}

// Shutdown 停止当前 controller 的后台写入并等待其完成，进程退出前调用。
func (r *Registration) Shutdown() {
	if current := r.active.Load(); current != nil {
		current.StopWrites()
		current.Wait()
	}
}

func (r *Registration) setPhase(phase Phase, mutate func(*Status)) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.status.Phase = phase
	if mutate != nil {
		mutate(&r.status)
	}
}
