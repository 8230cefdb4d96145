package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dyluth/relay/pkg/evidence"
	"gopkg.in/yaml.v3"
)

// Environment selects behaviour that differs between development and production,
// such as whether packets may force the evidence provider on.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Model providers.
const (
	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
)

// Config is the process configuration. It is built once by Load and then only read.
type Config struct {
	Environment  Environment     `yaml:"environment"`
	Store        StoreConfig     `yaml:"store"`
	Worker       WorkerConfig    `yaml:"worker"`
	Limits       Limits          `yaml:"limits"`
	Model        ModelConfig     `yaml:"model"`
	Log          LogConfig       `yaml:"log"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	RegistryPath string          `yaml:"registry_path,omitempty"` // Driver block registry override
}

// StoreConfig selects and addresses the Transmission Store.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	RedisURL   string `yaml:"redis_url,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
	Namespace  string `yaml:"namespace"`
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	OwnerID          string        `yaml:"owner_id,omitempty"` // Defaults to hostname-pid
	Kind             string        `yaml:"kind"`               // Packet kind this worker leases
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	IdleInterval     time.Duration `yaml:"idle_interval"`
	MaxLeaseAttempts int           `yaml:"max_lease_attempts"` // Attempts per tick on contention
	MaxEmptyScans    int           `yaml:"max_empty_scans"`    // Consecutive empty scans before idling
	Concurrency      int           `yaml:"concurrency"`
	ReclaimExpired   bool          `yaml:"reclaim_expired"` // Also lease processing jobs whose lease lapsed
	HealthPort       int           `yaml:"health_port"`
}

// Limits holds every numeric bound the pipeline enforces.
type Limits struct {
	MaxCaptures     int `yaml:"max_captures"`
	MaxSupports     int `yaml:"max_supports"`
	MaxClaims       int `yaml:"max_claims"`
	MaxSnippetBytes int `yaml:"max_snippet_bytes"`

	MaxURLs         int `yaml:"max_urls"`
	MaxURLLength    int `yaml:"max_url_length"`
	MaxMessageBytes int `yaml:"max_message_bytes"`

	MaxInlineBlocks    int `yaml:"max_inline_blocks"`
	MaxRefBlocks       int `yaml:"max_ref_blocks"`
	MaxDefinitionBytes int `yaml:"max_definition_bytes"`
	MaxTotalBlocks     int `yaml:"max_total_blocks"`

	MaxEnvelopeClaims int `yaml:"max_envelope_claims"`
	MaxRefsPerClaim   int `yaml:"max_refs_per_claim"`
	MaxTotalRefs      int `yaml:"max_total_refs"`
	MaxTextBytes      int `yaml:"max_text_bytes"`

	MaxLatticeItems int `yaml:"max_lattice_items"`
}

// ModelConfig selects the generation backend.
type ModelConfig struct {
	Provider  string        `yaml:"provider"`
	Name      string        `yaml:"name,omitempty"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"-"` // Only ever read from ANTHROPIC_API_KEY
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file or environment overrides apply.
func Default() *Config {
	return &Config{
		Environment: EnvDev,
		Store: StoreConfig{
			Backend:   BackendMemory,
			Namespace: "default",
		},
		Worker: WorkerConfig{
			Kind:             "chat",
			LeaseDuration:    60 * time.Second,
			PollInterval:     500 * time.Millisecond,
			IdleInterval:     5 * time.Second,
			MaxLeaseAttempts: 3,
			MaxEmptyScans:    3,
			Concurrency:      1,
			ReclaimExpired:   true,
			HealthPort:       8080,
		},
		Limits: Limits{
			MaxCaptures:        20,
			MaxSupports:        50,
			MaxClaims:          20,
			MaxSnippetBytes:    2000,
			MaxURLs:            100,
			MaxURLLength:       2048,
			MaxMessageBytes:    32000,
			MaxInlineBlocks:    3,
			MaxRefBlocks:       5,
			MaxDefinitionBytes: 2000,
			MaxTotalBlocks:     8,
			MaxEnvelopeClaims:  10,
			MaxRefsPerClaim:    5,
			MaxTotalRefs:       20,
			MaxTextBytes:       16000,
			MaxLatticeItems:    10,
		},
		Model: ModelConfig{
			Provider:  ProviderEcho,
			Name:      "claude-sonnet-4-5",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if path is not
// empty) and RELAY_* environment variables, in that order of precedence, then validates it.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}
	num := func(name string, dst *int) error {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	flag := func(name string, dst *bool) error {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
		return nil
	}

	var env string
	str("RELAY_ENVIRONMENT", &env)
	if env != "" {
		c.Environment = Environment(env)
	}
	str("RELAY_STORE_BACKEND", &c.Store.Backend)
	str("RELAY_REDIS_URL", &c.Store.RedisURL)
	str("RELAY_SQLITE_PATH", &c.Store.SQLitePath)
	str("RELAY_NAMESPACE", &c.Store.Namespace)
	str("RELAY_WORKER_ID", &c.Worker.OwnerID)
	str("RELAY_WORKER_KIND", &c.Worker.Kind)
	str("RELAY_MODEL_PROVIDER", &c.Model.Provider)
	str("RELAY_MODEL_NAME", &c.Model.Name)
	str("RELAY_LOG_LEVEL", &c.Log.Level)
	str("RELAY_LOG_FORMAT", &c.Log.Format)
	str("RELAY_REGISTRY_PATH", &c.RegistryPath)
	str("ANTHROPIC_API_KEY", &c.Model.APIKey)

	for _, err := range []error{
		dur("RELAY_LEASE_DURATION", &c.Worker.LeaseDuration),
		dur("RELAY_POLL_INTERVAL", &c.Worker.PollInterval),
		dur("RELAY_IDLE_INTERVAL", &c.Worker.IdleInterval),
		num("RELAY_CONCURRENCY", &c.Worker.Concurrency),
		num("RELAY_HEALTH_PORT", &c.Worker.HealthPort),
		num("RELAY_MODEL_MAX_TOKENS", &c.Model.MaxTokens),
		flag("RELAY_RECLAIM_EXPIRED", &c.Worker.ReclaimExpired),
		flag("RELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("environment must be 'dev' or 'prod', got '%s'", c.Environment)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got '%s'", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console', got '%s'", c.Log.Format)
	}

	return nil
}

// Validate checks the store section.
func (s StoreConfig) Validate() error {
	if s.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis backend")
		}
	case BackendSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown backend '%s' (valid: memory, redis, sqlite)", s.Backend)
	}
	return nil
}

// Validate checks the worker section.
func (w WorkerConfig) Validate() error {
	switch w.Kind {
	case "chat", "memory_distill":
	default:
		return fmt.Errorf("kind must be 'chat' or 'memory_distill', got '%s'", w.Kind)
	}
	if w.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive")
	}
	if w.PollInterval <= 0 || w.IdleInterval <= 0 {
		return fmt.Errorf("poll_interval and idle_interval must be positive")
	}
	if w.MaxLeaseAttempts < 1 {
		return fmt.Errorf("max_lease_attempts must be >= 1, got %d", w.MaxLeaseAttempts)
	}
	if w.MaxEmptyScans < 1 {
		return fmt.Errorf("max_empty_scans must be >= 1, got %d", w.MaxEmptyScans)
	}
	if w.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", w.Concurrency)
	}
	if w.HealthPort < 0 || w.HealthPort > 65535 {
		return fmt.Errorf("health_port out of range: %d", w.HealthPort)
	}
	return nil
}

// Validate checks that every limit is positive.
func (l Limits) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"max_captures", l.MaxCaptures},
		{"max_supports", l.MaxSupports},
		{"max_claims", l.MaxClaims},
		{"max_snippet_bytes", l.MaxSnippetBytes},
		{"max_urls", l.MaxURLs},
		{"max_url_length", l.MaxURLLength},
		{"max_message_bytes", l.MaxMessageBytes},
		{"max_inline_blocks", l.MaxInlineBlocks},
		{"max_ref_blocks", l.MaxRefBlocks},
		{"max_definition_bytes", l.MaxDefinitionBytes},
		{"max_total_blocks", l.MaxTotalBlocks},
		{"max_envelope_claims", l.MaxEnvelopeClaims},
		{"max_refs_per_claim", l.MaxRefsPerClaim},
		{"max_total_refs", l.MaxTotalRefs},
		{"max_text_bytes", l.MaxTextBytes},
		{"max_lattice_items", l.MaxLatticeItems},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", c.name, c.value)
		}
	}
	return nil
}

// Evidence returns the evidence graph bounds.
func (l Limits) Evidence() evidence.Limits {
	return evidence.Limits{
		MaxCaptures:     l.MaxCaptures,
		MaxSupports:     l.MaxSupports,
		MaxClaims:       l.MaxClaims,
		MaxSnippetBytes: l.MaxSnippetBytes,
	}
}

// Validate checks the model section.
func (m ModelConfig) Validate() error {
	switch m.Provider {
	case ProviderEcho:
	case ProviderAnthropic:
		if m.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		if m.Name == "" {
			return fmt.Errorf("name is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown provider '%s' (valid: echo, anthropic)", m.Provider)
	}
	if m.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}
