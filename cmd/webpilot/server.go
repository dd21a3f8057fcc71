package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/api/handlers"
	"github.com/BaSui01/webpilot/config"
	"github.com/BaSui01/webpilot/internal/metrics"
	"github.com/BaSui01/webpilot/internal/server"
	"github.com/BaSui01/webpilot/internal/telemetry"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 是 webpilot serve 的主服务器：API 端口 + metrics 端口 + 执行栈
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	registry  *prometheus.Registry
	collector *metrics.Collector
	rt        *runtime
	watcher   *config.Watcher

	httpManager    *server.Manager
	metricsManager *server.Manager

	cancel context.CancelFunc
}

// NewServer 创建服务器；Start 之前不占用任何资源
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otelProviders,
		registry:   reg,
		collector:  metrics.NewCollectorWith("webpilot", reg, logger),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 组装执行栈并启动两个 HTTP 服务器（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	rt, err := buildRuntime(ctx, s.cfg, s.logger, s.collector, s.otel, schemaFromConfig)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	s.rt = rt
	go rt.warmup(ctx)

	if err := s.startWatcher(ctx); err != nil {
		return err
	}

	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.cfg.Server.MetricsPort > 0 {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("all servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("browser_backend", s.cfg.Browser.Backend),
		zap.Int("pool_size", s.cfg.Pool.Size),
		zap.Bool("database", s.rt.recorder != nil),
		zap.Bool("redis", s.rt.redis != nil),
		zap.Bool("auth", len(s.cfg.Server.APIKeys) > 0),
	)
	return nil
}

// startWatcher 监听配置文件，只热更新登录凭据；其余配置需要重启
func (s *Server) startWatcher(ctx context.Context) error {
	if s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(s.configPath, nil, config.WithWatcherLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	w.OnReload(func(next *config.Config) {
		s.rt.credentials.Replace(credentials(next.Credentials))
		s.logger.Info("credentials reloaded", zap.Int("count", len(next.Credentials)))
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	s.watcher = w
	return nil
}

// routes 构建 API 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(Version, s.logger)
	if s.rt.db != nil {
		health.RegisterCheck(handlers.NewCheck("database", s.rt.db.Ping))
		health.RegisterDetail("database", func() any { return s.rt.db.GetStats() })
	}
	if s.rt.redis != nil {
		health.RegisterCheck(handlers.NewCheck("redis", s.rt.redis.Ping))
	}
	if s.rt.pool != nil {
		health.RegisterCheck(handlers.NewCheck("browser_pool", func(context.Context) error {
			if s.rt.pool.Stats().Closed {
				return errors.New("browser pool is closed")
			}
			return nil
		}))
		health.RegisterDetail("browser_pool", func() any { return s.rt.pool.Stats() })
	}
	health.RegisterDetail("tasks_running", func() any { return s.rt.service.Running() })
	health.Register(mux)
	mux.HandleFunc("GET /version", health.HandleVersion(BuildTime, GitCommit))

	opts := []handlers.TaskOption{handlers.WithEventSource(s.rt.events)}
	if s.rt.recorder != nil {
		opts = append(opts, handlers.WithHistory(s.rt.recorder))
	}
	if s.rt.redis != nil {
		opts = append(opts,
			handlers.WithSnapshotCache(s.rt.redis, snapshotCacheTTL),
			handlers.WithStopBroadcaster(s.rt.stops),
		)
	}
	handlers.NewTaskHandler(s.rt.service, s.logger, opts...).Register(mux)
	return mux
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(ctx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger),
		APIKeyAuth(sc.APIKeys, skipAuthPaths, s.logger),
	)

	s.httpManager = server.NewManager("api", handler, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)

	if sc.TLSCertFile != "" {
		return s.httpManager.StartTLS(sc.TLSCertFile, sc.TLSKeyFile)
	}
	return s.httpManager.Start()
}

// startMetricsServer 在独立端口暴露 /metrics
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
		Registry: s.registry,
	}))

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞到 ctx 结束（信号）或任一服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	var metricsErrs <-chan error
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		return nil
	case err := <-s.httpManager.Errors():
		return fmt.Errorf("api server exited: %w", err)
	case err := <-metricsErrs:
		return fmt.Errorf("metrics server exited: %w", err)
	}
}

// Shutdown 优雅关闭：停止接收请求 → 停止任务并回收会话 → 关闭存储 → 刷新遥测
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout+s.cfg.Pool.ShutdownGrace)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("api server shutdown error", zap.Error(err))
		}
	}
	if s.rt != nil {
		if err := s.rt.close(ctx); err != nil {
			s.logger.Error("runtime shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.otel != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := s.otel.Shutdown(flushCtx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
