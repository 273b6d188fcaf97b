// Command tachyond is the headless daemon entrypoint: wires logger, storage,
// config, security, the plugin registry, bandwidth bucket, chunked
// downloader, scheduler, captcha broker, info cache, reconnect controller
// and the RPC adapter, then blocks on OS signals for graceful shutdown.
// Grounded on the teacher's root main.go's wiring order (logger -> storage
// -> config -> security -> engine -> control server -> signal wait), with
// the Wails/systray/window lifecycle removed per spec.md's "providing a
// GUI" non-goal.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tachyon/internal/api"
	"tachyon/internal/bandwidth"
	"tachyon/internal/captcha"
	"tachyon/internal/chunker"
	"tachyon/internal/config"
	"tachyon/internal/diagnostics"
	"tachyon/internal/events"
	"tachyon/internal/infocache"
	"tachyon/internal/logger"
	"tachyon/internal/plugin"
	"tachyon/internal/reconnect"
	"tachyon/internal/scheduler"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

func main() {
	dataDir := dataDirectory()

	bus := events.NewBus()

	log, err := logger.New(os.Stdout, filepath.Join(dataDir, "logs"), bus)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	store, err := storage.NewStorage(filepath.Join(dataDir, "tachyon.db"))
	if err != nil {
		log.Error("error initializing storage", "error", err)
		os.Exit(1)
	}
	defer store.Checkpoint()

	cfg := config.NewManager(store)
	audit := security.NewAuditLogger(log, filepath.Join(dataDir, "logs"))
	defer audit.Close()

	registry := plugin.NewRegistry()
	bucket := bandwidth.NewBucket()
	bucket.SetLimit(cfg.GetBandwidthLimit())
	downloader := chunker.New(bucket)
	registry.Register(plugin.NewGenericPlugin(downloader, cfg.GetAIMaxConcurrent()))

	broker := captcha.NewBroker()
	infoc := infocache.New()
	reconnectCtl := reconnect.New(log)

	sched := scheduler.New(log, store, cfg, registry, bus, nil, nil)
	sched.WireCaptcha(broker)
	sched.WireInfoCache(infoc)
	sched.WireReconnect(reconnectCtl, func() reconnect.Config {
		start, end := cfg.GetReconnectWindow()
		return reconnect.Config{
			Enabled:    cfg.GetReconnectEnabled(),
			Script:     cfg.GetReconnectScript(),
			WindowFrom: start,
			WindowTo:   end,
		}
	}, func(pluginName string) bool { return cfg.GetReconnectEnabled() })
	sched.Start()

	// Cron-driven download-window transitions and a nightly diagnostic
	// speed test (SPEC_FULL.md DOMAIN STACK: robfig/cron + speedtest-go),
	// alongside the scheduler tick's own per-tick withinWindow gate.
	winSched := diagnostics.NewWindowScheduler(log)
	start, end := cfg.GetDownloadWindow()
	if err := winSched.SetDownloadWindow(start, end, sched.Unpause, sched.Pause); err != nil {
		log.Warn("failed to install download window schedule", "error", err)
	}
	if err := winSched.ScheduleSpeedTest("0 4 * * *", func() {
		runDiagnosticSpeedTest(log, store)
	}); err != nil {
		log.Warn("failed to install speed test schedule", "error", err)
	}
	winSched.Start()
	defer winSched.Stop()

	rpcServer := api.NewServer(store, sched, cfg, audit, bus, broker, infoc, registry, log)
	rpcServer.Start(cfg.GetAIPort())

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx, time.Second) // spec.md §4.1 "periodic control step"

	waitForSignal(log)
	cancel()
}

// runDiagnosticSpeedTest runs one speed test sample and persists it,
// logging the result with human-readable throughput so an operator can
// judge what to set download.limit_speed/max_speed to.
func runDiagnosticSpeedTest(log *slog.Logger, store *storage.Storage) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	result, err := diagnostics.RunSpeedTest(ctx)
	if err != nil {
		log.Warn("scheduled speed test failed", "error", err)
		return
	}
	log.Info("scheduled speed test complete",
		"download_mbps", result.DownloadMbps, "upload_mbps", result.UploadMbps,
		"ping_ms", result.PingMs, "isp", result.ISP)

	store.SaveSpeedTest(&storage.SpeedTestHistory{
		DownloadSpeed:  result.DownloadMbps,
		UploadSpeed:    result.UploadMbps,
		Ping:           result.PingMs,
		Jitter:         result.JitterMs,
		ISP:            result.ISP,
		ServerName:     result.ServerName,
		ServerLocation: result.ServerLocation,
		Timestamp:      result.Timestamp.Format(time.RFC3339),
	})
}

func dataDirectory() string {
	if dir := os.Getenv("TACHYON_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tachyon"
	}
	return filepath.Join(home, ".tachyon")
}

// waitForSignal blocks until SIGINT/SIGTERM, the Go-native analogue of the
// teacher's core.WaitForSignals used for Ctrl+C shutdown.
func waitForSignal(log *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	log.Info("shutting down", "signal", sig.String())
}
