package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"taskescrow/config"
	"taskescrow/core"
	"taskescrow/core/genesis"
	"taskescrow/crypto"
	nativecommon "taskescrow/native/common"
	"taskescrow/observability/logging"
	"taskescrow/observability/metrics"
	telemetry "taskescrow/observability/otel"
	"taskescrow/rpc"
	"taskescrow/storage"
)

const genesisPathEnv = "ESCROW_GENESIS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides ESCROW_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	env := strings.TrimSpace(os.Getenv("ESCROW_ENV"))
	if env == "" {
		env = cfg.Logging.Env
	}
	logger := logging.SetupWithOptions("escrowd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, resolveGenesisPath(*genesisFlag, cfg), env, logger); err != nil {
		logger.Error("escrowd stopped", "error", err)
		os.Exit(1)
	}
}

func resolveGenesisPath(flagValue string, cfg *config.Config) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(genesisPathEnv)); path != "" {
		return path
	}
	return strings.TrimSpace(cfg.GenesisFile)
}

func run(ctx context.Context, cfg *config.Config, genesisPath, env string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Observability.Endpoint,
		Insecure:    cfg.Observability.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Observability.Headers),
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Traces,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DataDir == "" {
		logger.Warn("no data directory configured; state is kept in memory")
	}

	pauses := nativecommon.NewPauses(cfg.PausedModules()...)
	escrowMetrics := metrics.Escrow()
	rt, err := core.NewRuntime(db, core.Options{
		Logger:  logger,
		Metrics: escrowMetrics,
		Pauses:  pauses,
		Quota: nativecommon.Quota{
			MaxCallsPerEpoch:   cfg.Global.Quota.MaxCallsPerEpoch,
			MaxCreatesPerEpoch: cfg.Global.Quota.MaxCreatesPerEpoch,
			EpochSeconds:       cfg.Global.Quota.EpochSeconds,
		},
	})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}

	if genesisPath != "" {
		spec, err := genesis.LoadGenesisSpec(genesisPath)
		if err != nil {
			return err
		}
		result, err := genesis.Apply(ctx, rt, spec)
		if err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
		for _, f := range result.Factories {
			logger.Info("factory available",
				"factory", crypto.FormatAddress(f.Address),
				"arbiter", crypto.FormatAddress(f.Arbiter),
				"applied", result.Applied)
		}
	}

	adminToken := cfg.AdminToken()
	if adminToken != "" {
		logger.Info("admin api enabled", logging.MaskField("admin_token", adminToken))
	}
	server, err := rpc.New(rpc.Config{
		Runtime:    rt,
		Logger:     logger,
		Metrics:    escrowMetrics,
		AdminToken: adminToken,
		RateLimit: rpc.RateLimit{
			RequestsPerMinute: cfg.RPC.RequestsPerMinute,
			Burst:             cfg.RPC.Burst,
		},
		StreamBuffer: cfg.RPC.StreamBuffer,
	})
	if err != nil {
		return err
	}
	return server.Serve(ctx, cfg.ListenAddress)
}

func openDatabase(dataDir string) (storage.Database, error) {
	if strings.TrimSpace(dataDir) == "" {
		return storage.NewMemDB(), nil
	}
	path := filepath.Join(dataDir, "state")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return db, nil
}
