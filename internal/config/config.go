// Package config handles loading, validating, and writing the auditchain
// configuration from ~/.auditchain/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the HTTP API
//   - The chain seed every node must share
//   - The SQL database holding events, links and the shared head cell
//   - Where the shared head lives and how writers back off under contention
//   - Where verification elements are stored
//   - The periodic verification schedule
//   - Log level and format
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultSeed is the seed used when none is configured. Deployments should
// set their own; it is public, so anyone can rebuild a chain under it.
const DefaultSeed = "NotSoSecretSeed"

// FileName is the config file's name inside the config directory.
const FileName = "config.yaml"

// Config is the top-level auditchain configuration.
// Loaded from ~/.auditchain/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Chain        ChainConfig        `yaml:"chain"`
	Database     DatabaseConfig     `yaml:"database"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Storage      StorageConfig      `yaml:"storage"`
	Verification VerificationConfig `yaml:"verification"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ChainConfig holds the chain's identity. Changing the seed of an existing
// chain makes every stored link unverifiable.
type ChainConfig struct {
	Seed string `yaml:"seed"`
}

// DatabaseConfig selects the SQL backend.
//
// Driver "sqlite": DSN is a file path, relative paths resolve against the
// config directory. Processes on one host may share the file.
// Driver "postgres": DSN is a lib/pq connection string. Required for
// multi-host deployments.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CoordinationConfig controls the shared head cell.
//
// Backend "database" keeps the cell in the configured database so every
// process using it appends to the same chain. Backend "memory" keeps it in
// process, which is only safe for a single writer.
type CoordinationConfig struct {
	Backend      string `yaml:"backend"`
	Cell         string `yaml:"cell"`
	MinBackoffMs int    `yaml:"minBackoffMs"`
	MaxBackoffMs int    `yaml:"maxBackoffMs"`
}

// StorageConfig selects where verification elements are persisted.
// Backend "database" uses the configured database; "dir" writes one JSON
// file per link under Dir.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// VerificationConfig schedules complete verification. Schedule is a cron
// spec ("0 */6 * * *", "@every 1h"); empty disables it.
type VerificationConfig struct {
	Schedule string `yaml:"schedule"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultDir returns ~/.auditchain, or .auditchain if the home directory
// cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditchain config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditchain configuration
#
# server:
#   host: Bind address for the HTTP API (default: 127.0.0.1)
#   port: Listen port (default: 3200)
#
# chain:
#   seed: Root seed. Every node must use the same value. Change it before
#         the first event is recorded, never after.
#
# database:
#   driver: sqlite | postgres
#   dsn: sqlite file path (relative to this directory) or postgres URL
#
# coordination:
#   backend: database (shared by every process) | memory (single writer)
#   cell: Name of the shared head cell
#   minBackoffMs / maxBackoffMs: Pause bounds between contended updates
#
# storage:
#   backend: database | dir
#   dir: Directory for verification elements when backend is dir
#
# verification:
#   schedule: Cron spec for complete verification, empty to disable
#
# log:
#   level: debug | info | warn | error
#   format: json | text

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// Resolve makes the sqlite DSN and the storage directory absolute, taking
// relative paths as relative to dir.
func (c *Config) Resolve(dir string) {
	if c.Database.Driver == "sqlite" && !filepath.IsAbs(c.Database.DSN) {
		c.Database.DSN = filepath.Join(dir, c.Database.DSN)
	}
	if c.Storage.Dir != "" && !filepath.IsAbs(c.Storage.Dir) {
		c.Storage.Dir = filepath.Join(dir, c.Storage.Dir)
	}
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Backoff returns the coordination backoff bounds.
func (c *Config) Backoff() (min, max time.Duration) {
	return time.Duration(c.Coordination.MinBackoffMs) * time.Millisecond,
		time.Duration(c.Coordination.MaxBackoffMs) * time.Millisecond
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Chain: ChainConfig{
			Seed: DefaultSeed,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "auditchain.db",
		},
		Coordination: CoordinationConfig{
			Backend:      "database",
			Cell:         "chain.head",
			MinBackoffMs: 1,
			MaxBackoffMs: 50,
		},
		Storage: StorageConfig{
			Backend: "database",
			Dir:     "verification",
		},
		Verification: VerificationConfig{
			Schedule: "@every 1h",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Chain.Seed == "" {
		return fmt.Errorf("chain.seed must not be empty")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}

	switch cfg.Coordination.Backend {
	case "database", "memory":
	default:
		return fmt.Errorf("coordination.backend %q: want database or memory", cfg.Coordination.Backend)
	}
	if cfg.Coordination.Cell == "" {
		return fmt.Errorf("coordination.cell must not be empty")
	}
	if cfg.Coordination.MinBackoffMs < 0 || cfg.Coordination.MaxBackoffMs < cfg.Coordination.MinBackoffMs {
		return fmt.Errorf("coordination backoff must satisfy 0 <= minBackoffMs <= maxBackoffMs")
	}

	switch cfg.Storage.Backend {
	case "database":
	case "dir":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required when storage.backend is dir")
		}
	default:
		return fmt.Errorf("storage.backend %q: want database or dir", cfg.Storage.Backend)
	}

	if cfg.Verification.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Verification.Schedule); err != nil {
			return fmt.Errorf("verification.schedule %q: %w", cfg.Verification.Schedule, err)
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: want json or text", cfg.Log.Format)
	}

	return nil
}

// RestartRequired lists the settings that differ between cur and next but
// only take effect after a restart. chain.seed is among them and must
// never change once events exist.
func RestartRequired(cur, next *Config) []string {
	var changed []string
	if cur.Server != next.Server {
		changed = append(changed, "server")
	}
	if cur.Chain.Seed != next.Chain.Seed {
		changed = append(changed, "chain.seed")
	}
	if cur.Database != next.Database {
		changed = append(changed, "database")
	}
	if cur.Coordination != next.Coordination {
		changed = append(changed, "coordination")
	}
	if cur.Storage != next.Storage {
		changed = append(changed, "storage")
	}
	return changed
}
