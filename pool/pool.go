package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/webpilot/browser"
	"github.com/BaSui01/webpilot/internal/metrics"
	gpool "github.com/BaSui01/webpilot/internal/pool"
	"github.com/BaSui01/webpilot/types"
)

// Discard reasons.
const (
	ReasonUnhealthy = "unhealthy"
	ReasonTimeout   = "timeout"
	ReasonRetired   = "retired"
	ReasonShutdown  = "shutdown"
)

// Config 浏览器池配置
type Config struct {
	Size               int           `json:"size" yaml:"size"`
	AcquireTimeout     time.Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	CreateTimeout      time.Duration `json:"create_timeout" yaml:"create_timeout"`
	HealthCheckTimeout time.Duration `json:"health_check_timeout" yaml:"health_check_timeout"`
	CloseTimeout       time.Duration `json:"close_timeout" yaml:"close_timeout"`
	ShutdownGrace      time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	// MaxUses retires a worker after this many checkouts; 0 disables.
	MaxUses    int                       `json:"max_uses" yaml:"max_uses"`
	Browser    browser.Config            `json:"browser" yaml:"-"`
	Background gpool.GoroutinePoolConfig `json:"background" yaml:"background"`
}

// DefaultConfig 默认池配置
func DefaultConfig() Config {
	return Config{
		Size:               4,
		AcquireTimeout:     30 * time.Second,
		CreateTimeout:      45 * time.Second,
		HealthCheckTimeout: 5 * time.Second,
		CloseTimeout:       10 * time.Second,
		ShutdownGrace:      15 * time.Second,
		Browser:            browser.DefaultConfig(),
		Background:         gpool.DefaultGoroutinePoolConfig(),
	}
}

// Stats 池统计信息
type Stats struct {
	Size       int   `json:"size"`
	Idle       int   `json:"idle"`
	CheckedOut int   `json:"checked_out"`
	Creating   int   `json:"creating"`
	Live       int   `json:"live"`
	Created    int64 `json:"created"`
	Discarded  int64 `json:"discarded"`
	Respawned  int64 `json:"respawned"`
	Closed     bool  `json:"closed"`
}

// Pool 固定上限的浏览器会话池。
// idle + checked_out + creating 在任何时刻都不超过 Size。
type Pool struct {
	factory browser.Factory
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	bg      *gpool.GoroutinePool

	mu         sync.Mutex
	idle       []*Worker
	checkedOut map[string]*Worker
	creating   int
	closed     bool
	warmed     bool
	changed    chan struct{}

	created   int64
	discarded int64
	respawned int64
}

// New 创建浏览器池；会话按需或在 Warmup 时创建
func New(factory browser.Factory, cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Pool, error) {
	if factory == nil {
		return nil, types.NewError(types.ErrValidation, "browser factory is required")
	}
	if cfg.Size <= 0 {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("pool size must be positive, got %d", cfg.Size))
	}
	def := DefaultConfig()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = def.CreateTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "browser_pool"))

	p := &Pool{
		factory:    factory,
		cfg:        cfg,
		logger:     logger,
		metrics:    collector,
		bg:         gpool.NewGoroutinePool(cfg.Background, logger),
		checkedOut: make(map[string]*Worker),
		changed:    make(chan struct{}),
	}

	logger.Info("browser pool created",
		zap.Int("size", cfg.Size),
		zap.String("backend", cfg.Browser.Backend))
	return p, nil
}

// Size returns the pool ceiling.
func (p *Pool) Size() int { return p.cfg.Size }

// Backend returns the backend name sessions are created with.
func (p *Pool) Backend() string { return p.cfg.Browser.Backend }

// =============================================================================
// 🔒 内部状态（调用方持有 p.mu）
// =============================================================================

func (p *Pool) liveLocked() int {
	return len(p.idle) + len(p.checkedOut) + p.creating
}

// notifyLocked wakes every waiter by closing the current broadcast channel.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.metrics.SetPoolWorkers(len(p.idle), len(p.checkedOut), p.liveLocked())
}

func (p *Pool) checkoutLocked(w *Worker) {
	w.setState(StateCheckedOut)
	p.checkedOut[w.ID] = w
	p.notifyLocked()
}

// =============================================================================
// 🚀 Warmup / Acquire / Release / Discard
// =============================================================================

// Warmup 并发创建并健康检查最多 n 个会话。只有第一次调用生效，返回所有创建失败的合并错误
func (p *Pool) Warmup(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.warmed || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.warmed = true
	if room := p.cfg.Size - p.liveLocked(); n > room {
		n = room
	}
	if n <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.creating += n
	p.mu.Unlock()

	var (
		g       errgroup.Group
		errMu   sync.Mutex
		errs    []error
		started = time.Now()
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w, err := p.spawn(ctx)
			p.mu.Lock()
			p.creating--
			if err == nil && !p.closed {
				p.idle = append(p.idle, w)
				w = nil
			}
			p.notifyLocked()
			p.mu.Unlock()

			if w != nil {
				p.closeAsync(w, ReasonShutdown)
			}
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("browser pool warmed up",
		zap.Int("requested", n),
		zap.Int("failed", len(errs)),
		zap.Duration("duration", time.Since(started)))
	return errors.Join(errs...)
}

// spawn creates a session and health-checks it; unhealthy sessions are closed.
func (p *Pool) spawn(ctx context.Context) (*Worker, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	prov, err := p.factory.Create(cctx, p.cfg.Browser)
	if err != nil {
		return nil, err
	}
	w := newWorker(prov)
	if err := p.healthCheck(w); err != nil {
		p.closeAsync(w, ReasonUnhealthy)
		return nil, err
	}
	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return w, nil
}

// Acquire 签出一个 worker：优先复用空闲会话，其次在上限内新建，否则等待。
// timeout <= 0 时使用 Config.AcquireTimeout。
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Worker, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.metrics.RecordPoolAcquire("closed", time.Since(start))
			return nil, types.NewError(types.ErrPoolClosed, "browser pool is closed")
		}

		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.checkoutLocked(w)
			p.mu.Unlock()
			p.metrics.RecordPoolAcquire("ok", time.Since(start))
			p.logger.Debug("acquired idle worker", zap.String("worker_id", w.ID))
			return w, nil
		}

		if p.liveLocked() < p.cfg.Size {
			p.creating++
			p.mu.Unlock()

			// 新建会话同样受 acquire 超时约束；spawn 内部的 CreateTimeout 仍然生效
			sctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
			w, err := p.spawn(sctx)
			budgetSpent := sctx.Err() != nil && ctx.Err() == nil
			cancel()

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.notifyLocked()
				p.mu.Unlock()
				switch {
				case ctx.Err() != nil:
					p.metrics.RecordPoolAcquire("cancelled", time.Since(start))
					return nil, types.NewError(types.ErrTimeout, "acquire cancelled").WithCause(ctx.Err())
				case budgetSpent:
					p.metrics.RecordPoolAcquire("exhausted", time.Since(start))
					return nil, types.NewError(types.ErrPoolExhausted,
						fmt.Sprintf("no browser worker available within %s", timeout)).
						WithCause(err).WithRetryable(true)
				}
				p.metrics.RecordPoolAcquire("error", time.Since(start))
				return nil, types.NewError(types.ErrProvider, "failed to create browser session").
					WithCause(err).WithRetryable(true)
			}
			if p.closed {
				p.notifyLocked()
				p.mu.Unlock()
				p.closeAsync(w, ReasonShutdown)
				p.metrics.RecordPoolAcquire("closed", time.Since(start))
				return nil, types.NewError(types.ErrPoolClosed, "browser pool is closed")
			}
			p.checkoutLocked(w)
			p.mu.Unlock()
			p.metrics.RecordPoolAcquire("ok", time.Since(start))
			p.logger.Debug("created worker on demand", zap.String("worker_id", w.ID))
			return w, nil
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			p.metrics.RecordPoolAcquire("exhausted", time.Since(start))
			return nil, types.NewError(types.ErrPoolExhausted,
				fmt.Sprintf("no browser worker available within %s", timeout)).
				WithRetryable(true)
		case <-ctx.Done():
			p.metrics.RecordPoolAcquire("cancelled", time.Since(start))
			return nil, types.NewError(types.ErrTimeout, "acquire cancelled").WithCause(ctx.Err())
		}
	}
}

// Release 归还 worker。健康检查通过则放回空闲集合，否则丢弃并异步补位；
// 调用方不会等待补位完成。
func (p *Pool) Release(w *Worker) {
	if w == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.checkedOut[w.ID]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of a worker that is not checked out", zap.String("worker_id", w.ID))
		return
	}
	p.mu.Unlock()

	// 健康检查期间 worker 仍计入 checked_out，上限不受影响
	healthErr := p.healthCheck(w)
	retire := healthErr == nil && p.cfg.MaxUses > 0 && w.Uses() >= p.cfg.MaxUses

	p.mu.Lock()
	if _, ok := p.checkedOut[w.ID]; !ok {
		// 期间被 Shutdown 强制回收
		p.mu.Unlock()
		return
	}
	delete(p.checkedOut, w.ID)

	switch {
	case p.closed:
		w.setState(StateStale)
		p.notifyLocked()
		p.mu.Unlock()
		p.closeAsync(w, ReasonShutdown)

	case healthErr != nil || retire:
		reason := ReasonRetired
		if healthErr != nil {
			reason = ReasonUnhealthy
		}
		w.setState(StateStale)
		p.discarded++
		p.notifyLocked()
		p.mu.Unlock()
		p.logger.Warn("discarding worker on release",
			zap.String("worker_id", w.ID),
			zap.String("reason", reason),
			zap.Error(healthErr))
		p.metrics.RecordPoolDiscard(reason)
		p.closeAsync(w, reason)
		p.respawnAsync()

	default:
		w.setState(StateIdle)
		p.idle = append(p.idle, w)
		p.notifyLocked()
		p.mu.Unlock()
		p.logger.Debug("worker returned to pool", zap.String("worker_id", w.ID))
	}
}

// Discard 不做健康检查直接标记为 stale 并异步关闭、补位。用于超时被放弃的运行。
func (p *Pool) Discard(w *Worker, reason string) {
	if w == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.checkedOut[w.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.checkedOut, w.ID)
	w.setState(StateStale)
	p.discarded++
	closed := p.closed
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Warn("worker discarded", zap.String("worker_id", w.ID), zap.String("reason", reason))
	p.metrics.RecordPoolDiscard(reason)
	p.closeAsync(w, reason)
	if !closed {
		p.respawnAsync()
	}
}

func (p *Pool) healthCheck(w *Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := w.Provider.Navigate(ctx, "about:blank"); err != nil {
		return err
	}
	return browser.Ping(ctx, w.Provider)
}

// respawnAsync restores capacity in the background. Failure is tolerable:
// Acquire still creates on demand while live < Size.
func (p *Pool) respawnAsync() {
	err := p.bg.Submit("respawn", func(ctx context.Context) error {
		p.mu.Lock()
		if p.closed || p.liveLocked() >= p.cfg.Size {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		w, err := p.spawn(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.notifyLocked()
			p.mu.Unlock()
			p.metrics.RecordPoolRespawn(false)
			return fmt.Errorf("respawn worker: %w", err)
		}
		if p.closed {
			p.notifyLocked()
			p.mu.Unlock()
			p.closeAsync(w, ReasonShutdown)
			return nil
		}
		p.idle = append(p.idle, w)
		p.respawned++
		p.notifyLocked()
		p.mu.Unlock()

		p.metrics.RecordPoolRespawn(true)
		p.logger.Info("replacement worker spawned", zap.String("worker_id", w.ID))
		return nil
	})
	if err != nil {
		p.logger.Warn("respawn not scheduled", zap.Error(err))
	}
}

func (p *Pool) closeAsync(w *Worker, reason string) {
	job := func(context.Context) error { return p.closeWorker(w, reason) }
	if err := p.bg.Submit("close_worker", job); err != nil {
		go func() { _ = job(context.Background()) }()
	}
}

// closeWorker closes w but never waits longer than CloseTimeout.
func (p *Pool) closeWorker(w *Worker, reason string) error {
	w.setState(StateStale)
	done := make(chan error, 1)
	go func() { done <- w.Provider.Close() }()

	timer := time.NewTimer(p.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn("worker close failed",
				zap.String("worker_id", w.ID), zap.String("reason", reason), zap.Error(err))
			return fmt.Errorf("close worker %s: %w", w.ID, err)
		}
		return nil
	case <-timer.C:
		p.logger.Warn("worker close timed out",
			zap.String("worker_id", w.ID), zap.String("reason", reason),
			zap.Duration("timeout", p.cfg.CloseTimeout))
		return fmt.Errorf("close worker %s: timed out after %s", w.ID, p.cfg.CloseTimeout)
	}
}

// =============================================================================
// 🛑 Shutdown
// =============================================================================

// Shutdown 关闭池：之后的 Acquire 立即失败；空闲会话立即关闭；签出的会话
// 最多等待 ShutdownGrace 归还，超时后强制关闭。单个会话的关闭失败不会阻塞流程。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info("shutting down browser pool", zap.Int("idle", len(idle)))

	var (
		errMu sync.Mutex
		errs  []error
	)
	closeAll := func(workers []*Worker, reason string) {
		var g errgroup.Group
		for _, w := range workers {
			g.Go(func() error {
				if err := p.closeWorker(w, reason); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	closeAll(idle, ReasonShutdown)

	// 等待签出中的 worker 归还
	graceCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownGrace)
	defer cancel()
	for {
		p.mu.Lock()
		if len(p.checkedOut) == 0 && p.creating == 0 {
			p.mu.Unlock()
			break
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-graceCtx.Done():
		}
		break
	}

	p.mu.Lock()
	remaining := make([]*Worker, 0, len(p.checkedOut))
	for id, w := range p.checkedOut {
		remaining = append(remaining, w)
		delete(p.checkedOut, id)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if len(remaining) > 0 {
		p.logger.Warn("force-closing checked-out workers", zap.Int("count", len(remaining)))
		closeAll(remaining, ReasonShutdown)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), p.cfg.CloseTimeout)
	defer cancelClose()
	if err := p.bg.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("background jobs: %w", err))
	}

	p.logger.Info("browser pool closed", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// Stats 返回池统计信息
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:       p.cfg.Size,
		Idle:       len(p.idle),
		CheckedOut: len(p.checkedOut),
		Creating:   p.creating,
		Live:       p.liveLocked(),
		Created:    p.created,
		Discarded:  p.discarded,
		Respawned:  p.respawned,
		Closed:     p.closed,
	}
}
