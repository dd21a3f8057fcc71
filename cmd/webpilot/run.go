package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/webpilot/engine"
	"github.com/BaSui01/webpilot/internal/metrics"
	"github.com/BaSui01/webpilot/internal/telemetry"
)

// =============================================================================
// 🏃 run 命令：不启动 HTTP 服务，直接执行一个任务
// =============================================================================

func runOnce(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	instruction := fs.String("instruction", "", "Natural-language instruction (required)")
	startURL := fs.String("url", "", "Start URL")
	backend := fs.String("backend", "", "Browser backend override")
	model := fs.String("model", "", "LLM model override")
	maxSteps := fs.Int("max-steps", 0, "Step budget (0 = config default)")
	timeout := fs.Int("timeout", 0, "Timeout in seconds (0 = config default)")
	credentialRef := fs.String("credential", "", "Credential reference for the login pre-step")
	schema := fs.String("schema", "", "JSON extraction schema")
	quiet := fs.Bool("quiet", false, "Do not print step events")
	_ = fs.Parse(args)

	if *instruction == "" {
		fmt.Fprintln(os.Stderr, "--instruction is required")
		fs.Usage()
		os.Exit(2)
	}

	cfg := loadConfig(*configPath)
	// 单任务不需要常驻池
	cfg.Pool.Size = 0
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger, telemetryOptions(cfg)...)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	rt, err := buildRuntime(ctx, cfg, logger, metrics.NewCollectorWith("webpilot", nil, logger), otelProviders, schemaSync)
	if err != nil {
		logger.Fatal("failed to build runtime", zap.Error(err))
	}

	req := engine.TaskRequest{
		Instruction:    *instruction,
		StartURL:       *startURL,
		Backend:        *backend,
		Model:          *model,
		MaxSteps:       *maxSteps,
		TimeoutSeconds: *timeout,
		CredentialRef:  *credentialRef,
	}
	if *schema != "" {
		req.ExtractionSchema = json.RawMessage(*schema)
	}

	task, err := rt.service.Submit(req)
	if err != nil {
		_ = rt.close(context.Background())
		fmt.Fprintf(os.Stderr, "Failed to submit task: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	if !*quiet {
		unsubscribe := rt.events.SubscribeTask(task.ID, func(_ context.Context, ev engine.Event) error {
			return enc.Encode(ev)
		})
		defer unsubscribe()
	}

	snap := waitTask(ctx, rt.service, task)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Pool.ShutdownGrace)
	defer cancel()
	if err := rt.close(closeCtx); err != nil {
		logger.Warn("runtime shutdown error", zap.Error(err))
	}
	if otelProviders != nil {
		_ = otelProviders.Shutdown(closeCtx)
	}

	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
	if snap.Status != engine.StatusCompleted {
		os.Exit(1)
	}
}

// waitTask 等待任务结束；收到信号时请求停止并继续等待最终状态
func waitTask(ctx context.Context, svc *engine.Service, task *engine.Task) engine.Snapshot {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	signalled := ctx.Done()
	for {
		if snap := task.Snapshot(); snap.Status.Terminal() {
			return snap
		}
		select {
		case <-signalled:
			signalled = nil
			_, _ = svc.Stop(task.ID)
		case <-ticker.C:
		}
	}
}
