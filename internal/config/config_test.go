package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3200 {
		t.Errorf("default server: got %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Chain.Seed != DefaultSeed {
		t.Errorf("default seed: got %q", cfg.Chain.Seed)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "auditchain.db" {
		t.Errorf("default database: got %+v", cfg.Database)
	}
	if cfg.Coordination.Backend != "database" || cfg.Coordination.Cell != "chain.head" {
		t.Errorf("default coordination: got %+v", cfg.Coordination)
	}
	if cfg.Storage.Backend != "database" {
		t.Errorf("default storage backend: got %q", cfg.Storage.Backend)
	}
	if cfg.Verification.Schedule != "@every 1h" {
		t.Errorf("default schedule: got %q", cfg.Verification.Schedule)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("default log: got %+v", cfg.Log)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
chain:
  seed: "cluster-seed"
database:
  driver: postgres
  dsn: "postgres://audit@db/audit?sslmode=disable"
coordination:
  backend: database
  cell: "prod.head"
  minBackoffMs: 2
  maxBackoffMs: 200
storage:
  backend: dir
  dir: /var/lib/auditchain/links
verification:
  schedule: "0 */6 * * *"
log:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: got %q", cfg.Addr())
	}
	if cfg.Chain.Seed != "cluster-seed" {
		t.Errorf("seed: got %q", cfg.Chain.Seed)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver: got %q", cfg.Database.Driver)
	}
	if cfg.Coordination.Cell != "prod.head" {
		t.Errorf("cell: got %q", cfg.Coordination.Cell)
	}
	minB, maxB := cfg.Backoff()
	if minB != 2*time.Millisecond || maxB != 200*time.Millisecond {
		t.Errorf("backoff: got %v..%v", minB, maxB)
	}
	if cfg.Storage.Backend != "dir" || cfg.Storage.Dir != "/var/lib/auditchain/links" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Verification.Schedule != "0 */6 * * *" {
		t.Errorf("schedule: got %q", cfg.Verification.Schedule)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log: got %+v", cfg.Log)
	}
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("chain:\n  seed: mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.Seed != "mine" {
		t.Errorf("seed: got %q", cfg.Chain.Seed)
	}
	if cfg.Server.Port != 3200 || cfg.Database.Driver != "sqlite" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "server: [", "parsing config"},
		{"empty host", "server:\n  host: \"\"", "server.host"},
		{"port out of range", "server:\n  port: 70000", "server.port"},
		{"empty seed", "chain:\n  seed: \"\"", "chain.seed"},
		{"unknown driver", "database:\n  driver: mysql", "database.driver"},
		{"empty dsn", "database:\n  dsn: \"\"", "database.dsn"},
		{"unknown coordination", "coordination:\n  backend: etcd", "coordination.backend"},
		{"empty cell", "coordination:\n  cell: \"\"", "coordination.cell"},
		{"inverted backoff", "coordination:\n  minBackoffMs: 10\n  maxBackoffMs: 5", "backoff"},
		{"dir without path", "storage:\n  backend: dir\n  dir: \"\"", "storage.dir"},
		{"unknown storage", "storage:\n  backend: s3", "storage.backend"},
		{"bad schedule", "verification:\n  schedule: \"every so often\"", "verification.schedule"},
		{"bad level", "log:\n  level: loud", "log.level"},
		{"bad format", "log:\n  format: xml", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_EmptyScheduleDisablesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("verification:\n  schedule: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Verification.Schedule != "" {
		t.Errorf("schedule: got %q", cfg.Verification.Schedule)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# auditchain configuration") {
		t.Error("expected comment header")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if *cfg != *applyDefaults() {
		t.Errorf("written config differs from defaults: %+v", cfg)
	}
}

func TestResolve(t *testing.T) {
	cfg := applyDefaults()
	cfg.Resolve("/etc/auditchain")

	if cfg.Database.DSN != "/etc/auditchain/auditchain.db" {
		t.Errorf("dsn: got %q", cfg.Database.DSN)
	}
	if cfg.Storage.Dir != "/etc/auditchain/verification" {
		t.Errorf("dir: got %q", cfg.Storage.Dir)
	}

	pg := applyDefaults()
	pg.Database = DatabaseConfig{Driver: "postgres", DSN: "postgres://db/audit"}
	pg.Resolve("/etc/auditchain")
	if pg.Database.DSN != "postgres://db/audit" {
		t.Errorf("postgres dsn rewritten: %q", pg.Database.DSN)
	}
}

func TestRestartRequired(t *testing.T) {
	cur := applyDefaults()

	live := applyDefaults()
	live.Log.Level = "debug"
	live.Verification.Schedule = "@every 5m"
	if got := RestartRequired(cur, live); len(got) != 0 {
		t.Errorf("live-reloadable changes reported: %v", got)
	}

	next := applyDefaults()
	next.Chain.Seed = "other"
	next.Server.Port = 4000
	got := RestartRequired(cur, next)
	if !slices.Contains(got, "chain.seed") || !slices.Contains(got, "server") {
		t.Errorf("RestartRequired = %v", got)
	}
}

func TestWatcher_FiresOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 10)

	w, err := NewWatcher(dir, WatchTargets{
		OnConfigChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConfigChange did not fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
