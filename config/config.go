// Package config loads escrowd settings from TOML, a .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/taskescrow/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESCROW_"

// Config is the daemon configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	NATS      NATSConfig      `toml:"nats"`
	Events    EventsConfig    `toml:"events"`
	Program   ProgramConfig   `toml:"program"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Server    ServerConfig    `toml:"server"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend string `toml:"backend"` // memory, bolt, nats
	Path    string `toml:"path"`    // bolt file
	Bucket  string `toml:"bucket"`  // bolt bucket or JetStream KV bucket
}

// NATSConfig is the shared NATS connection used by the nats store and bus.
type NATSConfig struct {
	URL       string `toml:"url"`
	Name      string `toml:"name"`
	CredsFile string `toml:"creds_file"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Backend       string `toml:"backend"` // none, memory, nats
	SubjectPrefix string `toml:"subject_prefix"`
}

// ProgramConfig tunes the escrow program.
type ProgramConfig struct {
	MaxCommitAttempts int `toml:"max_commit_attempts"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"` // grpc, http
	Insecure    bool   `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"` // 0 samples everything
	Debug       bool    `toml:"debug"`
}

// ServerConfig selects the JSON-RPC transport.
type ServerConfig struct {
	Mode   string `toml:"mode"`   // stdio, websocket
	Path   string `toml:"path"`   // websocket only

	// Listen is the websocket address. Callers identify themselves in
	// request params, so anything beyond loopback needs an authenticating
	// proxy in front.
	Listen string `toml:"listen"`

	// RateLimit caps state-changing requests per caller per minute.
	// 0 disables the limit.
	RateLimit int `toml:"rate_limit"`
}

// Loopback reports whether Listen binds only loopback addresses.
func (s ServerConfig) Loopback() bool {
	host, _, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{Backend: "memory", Path: "escrow.db", Bucket: "escrow"},
		NATS:      NATSConfig{URL: "nats://127.0.0.1:4222", Name: "escrowd"},
		Events:    EventsConfig{Backend: "none", SubjectPrefix: "escrow"},
		Program:   ProgramConfig{MaxCommitAttempts: 8},
		Log:       LogConfig{Level: "INFO"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "escrowd"},
		Server:    ServerConfig{Mode: "stdio", Listen: "127.0.0.1:8765", Path: "/rpc"},
	}
}

// StandardPaths returns config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"escrowd.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "escrowd", "escrowd.toml"))
	}
	return paths
}

// Find returns the first standard path that exists, or "".
func Find() string {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads path (skipped when empty or missing), overlays variables from
// envFile (skipped when empty or missing) and the process environment, and
// validates the result. Process environment wins over envFile.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	fileEnv := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
		if vars != nil {
			fileEnv = vars
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STORE_BACKEND":         &c.Store.Backend,
		"STORE_PATH":            &c.Store.Path,
		"STORE_BUCKET":          &c.Store.Bucket,
		"NATS_URL":              &c.NATS.URL,
		"NATS_CREDS_FILE":       &c.NATS.CredsFile,
		"EVENTS_BACKEND":        &c.Events.Backend,
		"EVENTS_SUBJECT_PREFIX": &c.Events.SubjectPrefix,
		"LOG_LEVEL":             &c.Log.Level,
		"TELEMETRY_ENDPOINT":    &c.Telemetry.Endpoint,
		"TELEMETRY_PROTOCOL":    &c.Telemetry.Protocol,
		"SERVER_MODE":           &c.Server.Mode,
		"SERVER_LISTEN":         &c.Server.Listen,
		"SERVER_PATH":           &c.Server.Path,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"TELEMETRY_ENABLED":  &c.Telemetry.Enabled,
		"TELEMETRY_INSECURE": &c.Telemetry.Insecure,
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}

	ints := map[string]*int{
		"MAX_COMMIT_ATTEMPTS": &c.Program.MaxCommitAttempts,
		"SERVER_RATE_LIMIT":   &c.Server.RateLimit,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate checks enumerated settings and limits.
func (c *Config) Validate() error {
	if err := oneOf("store.backend", c.Store.Backend, "memory", "bolt", "nats"); err != nil {
		return err
	}
	if c.Store.Backend == "bolt" && c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required for the bolt backend")
	}
	if c.Store.Backend != "memory" && c.Store.Bucket == "" {
		return fmt.Errorf("config: store.bucket is required for the %s backend", c.Store.Backend)
	}
	if err := oneOf("events.backend", c.Events.Backend, "none", "memory", "nats"); err != nil {
		return err
	}
	if c.Events.Backend != "none" && c.Events.SubjectPrefix == "" {
		return fmt.Errorf("config: events.subject_prefix is required")
	}
	if c.UsesNATS() && c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required")
	}
	if c.Program.MaxCommitAttempts < 1 {
		return fmt.Errorf("config: program.max_commit_attempts must be positive, got %d", c.Program.MaxCommitAttempts)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.sample_ratio must be within [0, 1], got %g", c.Telemetry.SampleRatio)
	}
	if c.Telemetry.Enabled {
		if err := oneOf("telemetry.protocol", c.Telemetry.Protocol, "grpc", "http"); err != nil {
			return err
		}
	}
	if err := oneOf("server.mode", c.Server.Mode, "stdio", "websocket"); err != nil {
		return err
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit must not be negative, got %d", c.Server.RateLimit)
	}
	if c.Server.Mode == "websocket" {
		if c.Server.Listen == "" {
			return fmt.Errorf("config: server.listen is required for websocket mode")
		}
		if !strings.HasPrefix(c.Server.Path, "/") {
			return fmt.Errorf("config: server.path must start with /, got %q", c.Server.Path)
		}
	}
	return nil
}

// UsesNATS reports whether any component needs the NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Store.Backend == "nats" || c.Events.Backend == "nats"
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}
