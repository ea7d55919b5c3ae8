package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	configloader "github.com/voicelab/speakerd/external/config"
	ingestimpl "github.com/voicelab/speakerd/external/ingest"
	repositoryimpl "github.com/voicelab/speakerd/external/repository"
	storageimpl "github.com/voicelab/speakerd/external/storage"
	streamimpl "github.com/voicelab/speakerd/external/stream"
	tokenimpl "github.com/voicelab/speakerd/external/token"
	voiceprintimpl "github.com/voicelab/speakerd/external/voiceprint"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/library"
	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/pipeline"
	"github.com/voicelab/speakerd/internal/segment"
	"github.com/voicelab/speakerd/internal/stream"
	"github.com/voicelab/speakerd/internal/token"
	"github.com/samber/do/v2"
)

const (
	expirySweepInterval = time.Hour
	shutdownGrace       = 15 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching ingest server")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, slog.Default())
	repositoryimpl.RegisterDI(injector)
	storageimpl.RegisterDI(injector)
	tokenimpl.RegisterDI(injector)
	streamimpl.RegisterDI(injector)
	voiceprintimpl.RegisterDI(injector)
	ingestimpl.RegisterDI(injector)
	token.RegisterDI(injector)
	stream.RegisterDI(injector)
	segment.RegisterDI(injector)
	matching.RegisterDI(injector)
	library.RegisterDI(injector)
	identify.RegisterDI(injector)
	pipeline.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	server, err := do.Invoke[*ingestimpl.Server](injector)
	if err != nil {
		slog.Error("failed to resolve ingest server", "error", err)
		os.Exit(1)
	}
	coordinator, err := do.Invoke[*pipeline.Coordinator](injector)
	if err != nil {
		slog.Error("failed to resolve pipeline coordinator", "error", err)
		os.Exit(1)
	}
	identities, err := do.Invoke[*identify.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve identification manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go identities.RunExpiry(ctx, expirySweepInterval, cfg.RequestRetention())

	done := make(chan struct{})
	go func() {
		if err := server.Run(ctx); err != nil {
			slog.Error("ingest server stopped", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	coordinator.Shutdown(shutdownCtx)
	<-done
}
