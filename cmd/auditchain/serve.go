package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/auditchain/internal/api"
	"github.com/ctrlai/auditchain/internal/config"
	"github.com/ctrlai/auditchain/internal/logging"
	"github.com/ctrlai/auditchain/internal/verifier"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled verification",
	Long: `Start the auditchain HTTP API on the configured address.

The server records and chains events (POST /api/events), answers
verification requests, streams persisted links over /api/ws and exposes
Prometheus metrics on /metrics. Complete verification runs on the
verification.schedule cron spec.

config.yaml is watched: log level and verification schedule changes apply
live; other changes need a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := api.NewFeed()
	defer feed.Close()

	a, err := openApp(ctx, feed.Publish)
	if err != nil {
		return err
	}
	defer a.Close()

	// Seed the shared head now so a corrupt durable head stops startup
	// instead of failing the first append.
	head, err := a.chain.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize chain head: %w", err)
	}
	slog.Info("chain head ready", "audit_id", head.AuditID, "seq", head.Seq)

	v := verifier.New(a.chain)
	if err := v.Reschedule(a.cfg.Verification.Schedule); err != nil {
		return err
	}
	v.Start(ctx)

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnConfigChange: func() { applyConfigChange(a.cfg, v) },
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	srv := api.New(api.Options{
		Events:   a.events,
		Chain:    a.chain,
		Verifier: v,
		Feed:     feed,
	})
	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auditchain listening", "addr", server.Addr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("stopped")
	return nil
}

// applyConfigChange reloads config.yaml and applies the settings that can
// change while serving.
func applyConfigChange(cur *config.Config, v *verifier.Verifier) {
	next, err := loadConfig()
	if err != nil {
		slog.Error("config reload failed, keeping current settings", "error", err)
		return
	}

	for _, field := range config.RestartRequired(cur, next) {
		if field == "chain.seed" {
			slog.Error("chain.seed changed on disk; ignored, the running chain keeps its seed")
			continue
		}
		slog.Warn("config change needs a restart to take effect", "setting", field)
	}

	if next.Log.Level != cur.Log.Level {
		logging.SetLevel(next.Log.Level)
		slog.Info("log level changed", "level", next.Log.Level)
	}
	if next.Verification.Schedule != cur.Verification.Schedule {
		if err := v.Reschedule(next.Verification.Schedule); err != nil {
			slog.Error("verification schedule not applied", "error", err)
			return
		}
	}

	cur.Log.Level = next.Log.Level
	cur.Verification.Schedule = next.Verification.Schedule
}
