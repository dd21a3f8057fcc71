package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/browser"
	"github.com/BaSui01/webpilot/config"
	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/internal/cache"
	"github.com/BaSui01/webpilot/internal/database"
	"github.com/BaSui01/webpilot/internal/metrics"
	gpool "github.com/BaSui01/webpilot/internal/pool"
	"github.com/BaSui01/webpilot/internal/telemetry"
	"github.com/BaSui01/webpilot/llm/openaicompat"
	"github.com/BaSui01/webpilot/perception"
	"github.com/BaSui01/webpilot/planner"
	"github.com/BaSui01/webpilot/pool"
	"github.com/BaSui01/webpilot/store"
)

// =============================================================================
// 🔧 配置转换
// =============================================================================

func browserConfig(c config.BrowserConfig) browser.Config {
	return browser.Config{
		Backend:        c.Backend,
		Headless:       c.Headless,
		Timeout:        c.Timeout,
		ViewportWidth:  c.ViewportWidth,
		ViewportHeight: c.ViewportHeight,
		UserAgent:      c.UserAgent,
		ProxyURL:       c.ProxyURL,
		ExecPath:       c.ExecPath,
		RemoteURL:      c.RemoteURL,
		RemoteAPIKey:   c.RemoteAPIKey,
	}
}

func poolConfig(cfg *config.Config) pool.Config {
	bg := gpool.DefaultGoroutinePoolConfig()
	if cfg.Pool.BackgroundWorkers > 0 {
		bg.MaxWorkers = cfg.Pool.BackgroundWorkers
	}
	if cfg.Pool.BackgroundQueue > 0 {
		bg.QueueSize = cfg.Pool.BackgroundQueue
	}
	return pool.Config{
		Size:               cfg.Pool.Size,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		CreateTimeout:      cfg.Pool.CreateTimeout,
		HealthCheckTimeout: cfg.Pool.HealthCheckTimeout,
		CloseTimeout:       cfg.Pool.CloseTimeout,
		ShutdownGrace:      cfg.Pool.ShutdownGrace,
		MaxUses:            cfg.Pool.MaxUses,
		Browser:            browserConfig(cfg.Browser),
		Background:         bg,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	e := cfg.Engine
	ec.AcquireTimeout = cfg.Pool.AcquireTimeout
	ec.AbandonGrace = e.AbandonGrace
	ec.ActionTimeout = e.ActionTimeout
	ec.ActionInterval = e.ActionInterval
	ec.ElementLimit = e.ElementLimit
	ec.PromptTokenBudget = e.PromptTokenBudget
	ec.HistorySize = e.HistorySize
	ec.MaxConsecutiveFailures = e.MaxConsecutiveFailures
	ec.ExhaustedStatus = engine.Status(e.ExhaustedStatus)
	ec.LoginFailureFatal = e.LoginFailureFatal
	ec.Auth.SettleDelay = e.LoginSettleDelay
	if e.ActionTimeout > 0 {
		ec.Auth.ActionTimeout = e.ActionTimeout
	}
	ec.Browser = browserConfig(cfg.Browser)
	return ec
}

func serviceConfig(cfg *config.Config) engine.ServiceConfig {
	sc := engine.DefaultServiceConfig()
	e := cfg.Engine
	sc.Defaults = engine.Defaults{
		MaxSteps:       e.DefaultMaxSteps,
		TimeoutSeconds: e.DefaultTimeoutSeconds,
		Viewport:       engine.Viewport{Width: e.DefaultViewportWidth, Height: e.DefaultViewportHeight},
	}
	if e.FinishedCacheSize > 0 {
		sc.FinishedCacheSize = e.FinishedCacheSize
	}
	return sc
}

func plannerConfig(cfg *config.Config) planner.Config {
	return planner.Config{
		Model:        cfg.LLM.Model,
		Temperature:  float32(cfg.LLM.Temperature),
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
		HistorySize:  cfg.Engine.HistorySize,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
		JSONMode:     cfg.LLM.JSONMode,
	}
}

func llmConfig(c config.LLMConfig) openaicompat.Config {
	return openaicompat.Config{
		ProviderName:      c.Provider,
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		DefaultModel:      c.Model,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

func credentials(in map[string]config.CredentialConfig) map[string]engine.Credential {
	out := make(map[string]engine.Credential, len(in))
	for ref, c := range in {
		out[ref] = engine.Credential{
			Username:         c.Username,
			Password:         c.Password,
			LoginURL:         c.LoginURL,
			UsernameSelector: c.UsernameSelector,
			PasswordSelector: c.PasswordSelector,
			SubmitSelector:   c.SubmitSelector,
			SuccessPatterns:  c.SuccessPatterns,
		}
	}
	return out
}

func cacheConfig(c config.RedisConfig) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = c.Addr
	cc.Password = c.Password
	cc.DB = c.DB
	cc.TLS = c.TLS
	if c.PoolSize > 0 {
		cc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		cc.MinIdleConns = c.MinIdleConns
	}
	if c.KeyPrefix != "" {
		cc.KeyPrefix = c.KeyPrefix
	}
	return cc
}

func telemetryOptions(cfg *config.Config) []telemetry.Option {
	return []telemetry.Option{
		telemetry.WithServiceVersion(Version),
		telemetry.WithAttributes(
			attribute.String("webpilot.browser.backend", cfg.Browser.Backend),
			attribute.Int("webpilot.pool.size", cfg.Pool.Size),
		),
	}
}

func dbPoolConfig(c config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if c.MaxOpenConns > 0 {
		pc.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		pc.MaxIdleConns = c.MaxIdleConns
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	if c.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = c.ConnMaxLifetime
	}
	return pc
}

// =============================================================================
// 🧩 运行时组装
// =============================================================================

// runtime 是 serve 和 run 共用的执行栈
type runtime struct {
	logger    *zap.Logger
	collector *metrics.Collector

	credentials *engine.StaticCredentials
	registry    *browser.Registry
	pool        *pool.Pool
	events      *engine.EventBus
	engine      *engine.Engine
	service     *engine.Service

	db       *database.PoolManager
	recorder *store.GormRecorder
	redis    *cache.Manager
	stops    *store.RedisStopSource
	detach   func()
}

type schemaMode int

const (
	// schemaFromConfig 按 database.auto_migrate 执行 SQL 迁移
	schemaFromConfig schemaMode = iota
	// schemaSync 用 gorm AutoMigrate 同步表结构，用于一次性的 run 命令
	schemaSync
)

// buildRuntime 按配置组装 池 → 决策器 → 引擎 → 服务，以及可选的数据库与 Redis
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector,
	otelProviders *telemetry.Providers, schema schemaMode) (*runtime, error) {
	rt := &runtime{
		logger:      logger,
		collector:   collector,
		credentials: engine.NewStaticCredentials(credentials(cfg.Credentials)),
		registry:    browser.NewDefaultRegistry(logger),
	}
	ok := false
	defer func() {
		if !ok {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = rt.close(closeCtx)
		}
	}()

	opts := []engine.Option{
		engine.WithRegistry(rt.registry),
		engine.WithCredentials(rt.credentials),
		engine.WithMetrics(collector),
		engine.WithDescriber(perception.NewDescriber(
			perception.NewTiktokenCounter("cl100k_base", logger),
			cfg.Engine.ElementLimit, cfg.Engine.PromptTokenBudget,
		)),
	}
	if otelProviders != nil {
		opts = append(opts, engine.WithTracer(otelProviders.Tracer("github.com/BaSui01/webpilot/engine")))
	}

	// 数据库
	if cfg.Database.Enabled {
		if err := rt.openDatabase(ctx, cfg, schema); err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithRecorder(rt.recorder))
	} else {
		opts = append(opts, engine.WithRecorder(engine.NewMemoryRecorder()))
	}

	rt.events = engine.NewEventBus(cfg.Engine.EventBufferSize, logger, collector)
	opts = append(opts, engine.WithEventBus(rt.events))

	// Redis
	if cfg.Redis.Enabled {
		mgr, err := cache.NewManager(cacheConfig(cfg.Redis), logger)
		if err != nil {
			return nil, err
		}
		rt.redis = mgr
		rt.stops = store.NewRedisStopSource(mgr.Client(), mgr.Key())
		opts = append(opts, engine.WithStopSource(rt.stops))
		if cfg.Redis.PublishEvents {
			rt.detach = store.NewRedisEventPublisher(mgr.Client(), mgr.Key(), logger).Attach(rt.events)
		}
	}

	// 浏览器池；size 为 0 时每个任务独占一个新会话
	factory, err := rt.registry.Factory(cfg.Browser.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.Pool.Size > 0 {
		rt.pool, err = pool.New(factory, poolConfig(cfg), logger, collector)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithPool(rt.pool))
	}

	provider := openaicompat.New(llmConfig(cfg.LLM), logger, openaicompat.WithMetrics(collector))
	decider, err := planner.New(provider, plannerConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	rt.engine, err = engine.New(decider, engineConfig(cfg), logger, opts...)
	if err != nil {
		return nil, err
	}
	rt.service, err = engine.NewService(rt.engine, serviceConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return rt, nil
}

func (rt *runtime) openDatabase(ctx context.Context, cfg *config.Config, schema schemaMode) error {
	if schema == schemaFromConfig && cfg.Database.AutoMigrate {
		if err := migrateUp(ctx, cfg.Database, rt.logger); err != nil {
			return err
		}
	}

	db, err := database.Open(cfg.Database, rt.logger)
	if err != nil {
		return err
	}
	if err := database.InstrumentQueries(db, cfg.Database.Driver, rt.collector); err != nil {
		return err
	}
	rt.db, err = database.NewPoolManager(db, dbPoolConfig(cfg.Database), rt.logger, rt.collector)
	if err != nil {
		return err
	}

	rt.recorder, err = store.NewGormRecorder(db, rt.logger)
	if err != nil {
		return err
	}
	if schema == schemaSync {
		if err := rt.recorder.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("sync task schema: %w", err)
		}
	}
	return nil
}

// warmup 预热浏览器池；失败只记录，任务执行时按需补位
func (rt *runtime) warmup(ctx context.Context) {
	if rt.pool == nil {
		return
	}
	if err := rt.pool.Warmup(ctx, rt.pool.Size()); err != nil {
		rt.logger.Warn("browser pool warmup incomplete", zap.Error(err))
	}
}

// close 依次释放：任务服务 → 浏览器池 → 事件总线 → Redis → 数据库
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.service != nil {
		errs = append(errs, rt.service.Shutdown(ctx))
	}
	if rt.pool != nil {
		errs = append(errs, rt.pool.Shutdown(ctx))
	}
	if rt.events != nil {
		errs = append(errs, rt.events.Close(ctx))
	}
	if rt.detach != nil {
		rt.detach()
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	return errors.Join(errs...)
}
