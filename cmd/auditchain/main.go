// Package main is the CLI entry point for auditchain, a tamper-evident hash
// chain over an audit event log.
//
// Every recorded event is linked to its predecessor by
// SHA-256(parent.link || SHA-256(event)). Any number of auditchain
// processes can append at once; they coordinate through a shared head
// cell in the configured database, so the chain never forks.
//
// CLI commands (cobra):
//
//	auditchain serve               - Run the HTTP API and scheduled verification
//	auditchain record              - Record and chain one event
//	auditchain backfill            - Chain recorded events that have no link yet
//	auditchain verify              - Verify the whole chain
//	auditchain verify-event <id>   - Verify one event
//	auditchain head                - Show the shared and durable head
//	auditchain link <id>           - Show one stored link
//	auditchain events tail|query|export
//	auditchain config init|show
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ctrlai/auditchain/internal/audit"
	"github.com/ctrlai/auditchain/internal/cell"
	"github.com/ctrlai/auditchain/internal/chain"
	"github.com/ctrlai/auditchain/internal/config"
	"github.com/ctrlai/auditchain/internal/db"
	"github.com/ctrlai/auditchain/internal/logging"
	"github.com/ctrlai/auditchain/internal/metrics"
	"github.com/ctrlai/auditchain/internal/storage"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configDir holds config.yaml and, with the default settings, the sqlite
// database and verification elements.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "Tamper-evident hash chain for audit events",
	Long: `auditchain records audit events and links each one to its predecessor
with a SHA-256 hash chain. Editing or deleting a chained event is detected
by verification.

Run 'auditchain config init' once, then 'auditchain serve'.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultDir(),
		"Path to the auditchain config and state directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(verifyEventCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, config.FileName)
}

// loadConfig reads config.yaml with relative paths resolved against the
// config directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Resolve(configDir)
	return cfg, nil
}

// app bundles everything a command needs to touch the chain.
type app struct {
	cfg    *config.Config
	db     *db.DB
	events *audit.Log
	claims *cell.Claims
	chain  *chain.Service
}

// openApp loads the config, sets up logging, opens the database and wires
// the chain service. onLink may be nil.
func openApp(ctx context.Context, onLink func(chain.Record)) (*app, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init("auditchain", os.Stderr, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	d, err := db.Open(ctx, db.Config{Driver: db.Dialect(cfg.Database.Driver), DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}

	var store cell.Store
	switch cfg.Coordination.Backend {
	case "memory":
		slog.Warn("chain head held in process memory; run a single writer only")
		store = cell.NewMemoryStore()
	default:
		store = cell.NewSQLStore(d)
	}
	claims := cell.NewClaims(store, cfg.Coordination.Cell+".claim/")
	minBackoff, maxBackoff := cfg.Backoff()
	head := cell.New(store, cfg.Coordination.Cell, chain.RecordCodec,
		cell.WithBackoff(minBackoff, maxBackoff),
		cell.WithConflictHook(metrics.CellConflict),
	)

	var bridge storage.Bridge
	switch cfg.Storage.Backend {
	case "dir":
		b, err := storage.NewDirBridge(cfg.Storage.Dir)
		if err != nil {
			d.Close()
			return nil, err
		}
		bridge = b
	default:
		bridge = storage.NewSQLBridge(d)
	}

	if cfg.Chain.Seed == config.DefaultSeed {
		slog.Warn("chain.seed is the built-in default; set your own before recording events")
	}

	events := audit.NewLog(d)
	svc, err := chain.NewService(chain.Options{
		Head:   head,
		Bridge: bridge,
		Events: events,
		Claims: claims,
		Root:   chain.NewRoot(cfg.Chain.Seed),
		OnLink: onLink,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	return &app{cfg: cfg, db: d, events: events, claims: claims, chain: svc}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
