// Tachikoma — MCP server exposing heterogeneous home routers through one
// normalized management surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nerv-lab/tachikoma/internal/audit"
	"github.com/nerv-lab/tachikoma/internal/config"
	"github.com/nerv-lab/tachikoma/internal/credentials"
	"github.com/nerv-lab/tachikoma/internal/detect"
	"github.com/nerv-lab/tachikoma/internal/dispatch"
	"github.com/nerv-lab/tachikoma/internal/events"
	"github.com/nerv-lab/tachikoma/internal/mcpserver"
	"github.com/nerv-lab/tachikoma/internal/ratelimit"
	"github.com/nerv-lab/tachikoma/internal/router"
	"github.com/nerv-lab/tachikoma/internal/snapshot"
	"github.com/nerv-lab/tachikoma/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("TACHIKOMA_CONFIG"), "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tachikoma %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	// Local .env keeps router passwords out of shell history.
	_ = godotenv.Load()

	zlog, _ := zap.NewProduction()
	defer func() { _ = zlog.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal("failed to load config", zap.Error(err))
	}

	// MCP speaks on stdout; everything else goes to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		zlog.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	bus := events.NewBus(64)
	registry := detect.DefaultRegistry(cfg.Timeouts.Command, cfg.SNMPCommunity)
	detector := detect.New(registry, detect.Options{
		ProbeTimeout: cfg.Timeouts.Probe,
		TotalTimeout: cfg.Timeouts.DetectTotal,
		Logger:       log,
		Bus:          bus,
	})

	provider := credentials.NewStatic(credentialMap(cfg))

	keyHex := ""
	if cfg.Backup.Encrypt {
		keyHex = cfg.Backup.KeyHex
	}
	store, err := snapshot.NewStore(cfg.Backup.Dir, keyHex)
	if err != nil {
		zlog.Fatal("cannot open snapshot store", zap.Error(err))
	}
	if cfg.Backup.PruneSchedule != "" {
		pruner, err := snapshot.NewPruner(store, cfg.Backup.PruneSchedule, cfg.Backup.RetentionDays, log, bus)
		if err != nil {
			zlog.Fatal("invalid prune schedule", zap.String("schedule", cfg.Backup.PruneSchedule), zap.Error(err))
		}
		pruner.Start()
		defer pruner.Stop()
	}

	auditSink := openAuditSink(cfg, zlog)
	defer func() { _ = auditSink.Close() }()

	dispatcher := dispatch.New(dispatch.Options{
		Registry:    registry,
		Detector:    detector,
		Credentials: provider,
		Limiter:     ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		Snapshots:   store,
		Audit:       auditSink,
		Retry:       cfg.Retry,
		Logger:      log,
		Bus:         bus,
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, zlog)
	}

	srv := mcpserver.New(dispatcher, detector, store, auditSink, zlog)
	if cfg.MCPHTTPAddr != "" {
		go serveMCPHTTP(cfg.MCPHTTPAddr, srv.Handler(), zlog)
	}
	zlog.Info("tachikoma mcp server starting",
		zap.String("version", version),
		zap.Strings("vendors", registry.Vendors()))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Fatal("mcp server exited", zap.Error(err))
	}
}

// openAuditSink prefers the SQLite store and falls back to in-memory so
// a broken data dir degrades observability, not function.
func openAuditSink(cfg config.Config, zlog *zap.Logger) audit.Sink {
	if !cfg.Audit.Enabled {
		return audit.NewLog(0)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0o750); err != nil {
		zlog.Warn("cannot create audit dir, audit will be in-memory only",
			zap.String("path", cfg.Audit.DBPath), zap.Error(err))
		return audit.NewLog(0)
	}
	store, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		zlog.Warn("cannot open audit database, falling back to in-memory",
			zap.String("path", cfg.Audit.DBPath), zap.Error(err))
		return audit.NewLog(0)
	}
	zlog.Info("audit store opened", zap.String("path", cfg.Audit.DBPath))
	return store
}

func credentialMap(cfg config.Config) map[router.Vendor]router.Credentials {
	out := make(map[router.Vendor]router.Credentials, len(cfg.Credentials))
	for name := range cfg.Credentials {
		vendor, err := router.ParseVendor(name)
		if err != nil || !vendor.Known() {
			continue
		}
		if creds, ok := cfg.CredentialsFor(vendor); ok {
			out[vendor] = creds
		}
	}
	return out
}

// serveMCPHTTP mounts the SSE transport for agents that connect over the
// network instead of launching the binary.
func serveMCPHTTP(addr string, handler http.Handler, zlog *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	zlog.Info("mcp sse listener starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		zlog.Error("mcp sse listener failed", zap.Error(err))
	}
}

func serveMetrics(addr string, zlog *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	zlog.Info("metrics listener starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		zlog.Error("metrics listener failed", zap.Error(err))
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
