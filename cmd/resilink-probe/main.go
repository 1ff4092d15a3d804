package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"resilink/internal/clock"
	"resilink/internal/config"
	"resilink/internal/events"
	"resilink/internal/health"
	"resilink/internal/logging"
	"resilink/internal/metrics"
	"resilink/internal/monitoring"
	"resilink/internal/orchestrator"
	"resilink/internal/queue"
	"resilink/internal/rate"
	"resilink/internal/recovery"
	"resilink/internal/storage"
	"resilink/internal/transport"

	"go.uber.org/zap"
)

func main() {
	var configPath, url string
	var probeEvery time.Duration
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&url, "url", "", "WebSocket endpoint, overrides the config file")
	flag.DurationVar(&probeEvery, "probe-every", 15*time.Second, "Interval between probe messages")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	if url != "" {
		cfg.Transport.URL = url
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("resilink")
	bus := events.NewBus(logger)
	clk := clock.New()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}

	ws, err := transport.NewWebSocketClient(cfg.TransportConfig(), logger)
	if err != nil {
		logger.Fatal("init transport", zap.Error(err))
	}
	monitor, err := health.NewMonitor(cfg.HealthConfig(), logger, m, bus, clk)
	if err != nil {
		logger.Fatal("init health monitor", zap.Error(err))
	}
	engine, err := recovery.NewEngine(cfg.RecoveryConfig(), logger, m, bus, clk)
	if err != nil {
		logger.Fatal("init recovery engine", zap.Error(err))
	}
	q, err := queue.New(cfg.QueueConfig(), store, logger, m, bus, clk)
	if err != nil {
		logger.Fatal("init offline queue", zap.Error(err))
	}
	cooldown := rate.NewCooldown(logger, clk)

	rc, err := orchestrator.New(cfg.OrchestratorConfig(), ws, monitor, engine, q, cooldown, logger, m, bus, clk)
	if err != nil {
		logger.Fatal("init orchestrator", zap.Error(err))
	}

	tracer, err := monitoring.NewTracer(logger, cfg.TracingConfig())
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	rc.SetTracer(tracer.Tracer())

	diagnostics, err := monitoring.NewDiagnosticsServer(cfg.DiagnosticsConfig(), m.Registry(), monitoring.Sources{
		Snapshot:     rc.HealthSnapshot,
		QueueStats:   q.GetStats,
		ErrorHistory: func() []*recovery.ErrorInstance { return engine.GetErrorHistory() },
	}, logger)
	if err != nil {
		logger.Fatal("init diagnostics", zap.Error(err))
	}
	diagnostics.Start()

	if err := rc.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, messages will queue", zap.Error(err))
	}

	ticker := time.NewTicker(probeEvery)
	defer ticker.Stop()

	seq := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case at := <-ticker.C:
			seq++
			err := rc.Send(ctx, "telemetry", map[string]interface{}{
				"seq": seq,
				"at":  at.UnixMilli(),
			})
			if err != nil {
				logger.Warn("probe send failed", zap.Int("seq", seq), zap.Error(err))
			}
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := diagnostics.Stop(shutdownCtx); err != nil {
		logger.Error("stop diagnostics", zap.Error(err))
	}
	if err := rc.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	if err := tracer.Shutdown(); err != nil {
		logger.Error("shutdown tracing", zap.Error(err))
	}
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "file":
		return storage.NewFileStore(cfg.Storage.Dir)
	case "redis":
		return storage.NewRedisStore(ctx, cfg.RedisConfig())
	default:
		return storage.NewMemoryStore(), nil
	}
}
