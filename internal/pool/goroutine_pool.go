// Package pool provides a bounded goroutine pool for background work and
// generic object pooling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("goroutine pool is closed")
	ErrPoolFull   = errors.New("goroutine pool queue is full")
)

// Job is a unit of background work.
type Job func(ctx context.Context) error

// GoroutinePool runs background jobs on at most MaxWorkers goroutines. Jobs
// beyond the queue capacity are rejected with ErrPoolFull instead of blocking
// the submitter.
type GoroutinePool struct {
	maxWorkers  int
	idleTimeout time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	queue   chan job
	closed  bool
	workers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	workerCount atomic.Int32
	activeCount atomic.Int32
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	rejected    atomic.Int64
}

type job struct {
	name string
	fn   Job
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig, logger *zap.Logger) *GoroutinePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutinePool{
		maxWorkers:  config.MaxWorkers,
		idleTimeout: config.IdleTimeout,
		logger:      logger.With(zap.String("component", "goroutine_pool")),
		queue:       make(chan job, config.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit enqueues fn without blocking. The job receives the pool's context,
// which is cancelled when Close gives up waiting.
func (p *GoroutinePool) Submit(name string, fn Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	j := job{name: name, fn: fn}

	select {
	case p.queue <- j:
		p.ensureWorker()
		return nil
	default:
	}
	// 队列已满时尝试扩容一个 worker 再投递一次
	if p.trySpawnWorker() {
		select {
		case p.queue <- j:
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.workers.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.workers.Done()
	defer func() {
		p.workerCount.Add(-1)
		// 退出与并发提交交错时，确保排队任务仍有 worker 处理
		if len(p.queue) > 0 {
			p.ensureWorker()
		}
	}()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.activeCount.Add(1)
			err := p.run(j)
			p.activeCount.Add(-1)
			if err != nil {
				p.failed.Add(1)
				p.logger.Warn("background job failed", zap.String("job", j.name), zap.Error(err))
			} else {
				p.completed.Add(1)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 空闲超时：队列为空时退出，下次提交会重新拉起
			if len(p.queue) == 0 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background job panicked", zap.String("job", j.name), zap.Any("panic", r))
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.fn(p.ctx)
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
// When ctx ends first, running jobs see their context cancelled and Close
// returns ctx.Err() without waiting further.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// 队列里若有任务但没有 worker，拉起一个来排空
	if len(p.queue) > 0 && p.workerCount.Load() == 0 {
		p.workerCount.Add(1)
		p.workers.Add(1)
		go p.worker()
	}

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
