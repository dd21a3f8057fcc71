// 配置文件变更监听。
//
// 轮询配置文件的修改时间，去抖后重新加载并回调；
// 运行中只有凭据等可热更新的部分会被调用方采用。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadFunc 接收重新加载并通过校验的配置
type ReloadFunc func(cfg *Config)

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the file is stat'ed
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets the quiet period before a reload
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher 监听单个配置文件，文件变化后用同一个 Loader 重新加载
type Watcher struct {
	mu sync.Mutex

	path          string
	loader        *Loader
	pollInterval  time.Duration
	debounceDelay time.Duration
	logger        *zap.Logger

	callbacks []ReloadFunc
	lastMod   time.Time
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher 创建监听器。loader 为 nil 时使用 NewLoader().WithConfigPath(path)
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watcher requires a config path")
	}
	if loader == nil {
		loader = NewLoader()
	}
	loader.WithConfigPath(path)

	w := &Watcher{
		path:          path,
		loader:        loader,
		pollInterval:  time.Second,
		debounceDelay: 200 * time.Millisecond,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", path))

	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	return w, nil
}

// OnReload registers a callback
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins polling. It returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, w.done)

	w.logger.Info("config watcher started", zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("config watcher stopped")
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				debounce = time.After(w.debounceDelay)
			}
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

// changed 比较修改时间；文件被删除时不触发重载
func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()
	return true
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// 保留旧配置
		w.logger.Warn("config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.Int("credentials", len(cfg.Credentials)))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
