// Package config manages fabric configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the fabric operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/regmesh"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if strings.TrimSpace(c.MigrationsDir) == "" {
		c.MigrationsDir = "db/migrations"
	}
	c.MigrationsDir = filepath.Clean(strings.TrimSpace(c.MigrationsDir))
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// OutboxConfig tunes the outbox publishing loop.
type OutboxConfig struct {
	PollInterval   time.Duration `yaml:"pollInterval"`
	BatchSize      int           `yaml:"batchSize"`
	Lease          time.Duration `yaml:"lease"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	BaseBackoff    time.Duration `yaml:"baseBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	Concurrency    int           `yaml:"concurrency"`
	PublishRate    float64       `yaml:"publishRate"`
	Retention      time.Duration `yaml:"retention"`
}

func (c *OutboxConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
}

func (c OutboxConfig) validate() error {
	if c.BaseBackoff > c.MaxBackoff {
		return fmt.Errorf("baseBackoff must be <= maxBackoff")
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("publishRate must be >= 0")
	}
	return nil
}

// InboxConfig tunes the inbox replay and retention loops.
type InboxConfig struct {
	ReplayEnabled      bool          `yaml:"replayEnabled"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	BatchSize          int           `yaml:"batchSize"`
	QuarantineAttempts int           `yaml:"quarantineAttempts"`
	Retention          time.Duration `yaml:"retention"`
}

func (c *InboxConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.QuarantineAttempts <= 0 {
		c.QuarantineAttempts = 10
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// BusConfig selects and tunes the cross-module bus.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind          string        `yaml:"kind"`
	BufferSize    int           `yaml:"bufferSize"`
	NATSURL       string        `yaml:"natsUrl"`
	StreamName    string        `yaml:"streamName"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
}

func (c *BusConfig) applyDefaults() {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	if c.Kind == "" {
		c.Kind = "memory"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

func (c BusConfig) validate() error {
	switch c.Kind {
	case "memory":
	case "nats":
		if strings.TrimSpace(c.NATSURL) == "" {
			return fmt.Errorf("natsUrl required for nats bus")
		}
	default:
		return fmt.Errorf("bus kind must be memory or nats")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// HealthConfig configures the plain HTTP health surface.
type HealthConfig struct {
	Addr               string        `yaml:"addr"`
	MaxPendingAge      time.Duration `yaml:"maxPendingAge"`
	MaxFailedAge       time.Duration `yaml:"maxFailedAge"`
	MaxInboxPendingAge time.Duration `yaml:"maxInboxPendingAge"`
}

func (c *HealthConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8091"
	}
	if c.MaxPendingAge <= 0 {
		c.MaxPendingAge = 5 * time.Minute
	}
	if c.MaxFailedAge <= 0 {
		c.MaxFailedAge = time.Minute
	}
	if c.MaxInboxPendingAge <= 0 {
		c.MaxInboxPendingAge = 15 * time.Minute
	}
}

// AppConfig is the unified fabric configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Module      string          `yaml:"module"`
	Database    DatabaseConfig  `yaml:"database"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Inbox       InboxConfig     `yaml:"inbox"`
	Bus         BusConfig       `yaml:"bus"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Health      HealthConfig    `yaml:"health"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Module:      "fabric",
		Telemetry: TelemetryConfig{
			ServiceName: "regmesh-fabric",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when the path is non-empty, otherwise returns
// the environment-overridden defaults.
func LoadOrDefault(configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		return Load(configPath)
	}
	cfg := Default()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Module = strings.TrimSpace(c.Module)
	if c.Module == "" {
		c.Module = "fabric"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "regmesh-fabric"
	}
	c.Database.applyDefaults()
	c.Outbox.applyDefaults()
	c.Inbox.applyDefaults()
	c.Bus.applyDefaults()
	c.Health.applyDefaults()
}

// applyEnvOverrides lets deployment environments override file values without
// editing the file.
func (c *AppConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("REGMESH_ENVIRONMENT")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_MODULE")); v != "" {
		c.Module = v
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_BUS_KIND")); v != "" {
		c.Bus.Kind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_NATS_URL")); v != "" {
		c.Bus.NATSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_HEALTH_ADDR")); v != "" {
		c.Health.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REGMESH_INBOX_REPLAY_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Inbox.ReplayEnabled = parsed
		}
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(c.Module) == "" {
		return fmt.Errorf("module name required")
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Outbox.validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.Bus.validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	// The inbox retention window must outlive the longest possible upstream
	// retry tail, or a late redelivery would miss its dedupe row.
	if c.Inbox.Retention <= upstreamRetryHorizon(c.Outbox) {
		return fmt.Errorf("inbox: retention %s must exceed upstream retry horizon %s",
			c.Inbox.Retention, upstreamRetryHorizon(c.Outbox))
	}

	// Outbox workers each hold a connection while marking outcomes; the pool
	// must be able to serve them alongside the producers.
	if int32(c.Outbox.Concurrency) > c.Database.MaxConns {
		return fmt.Errorf("outbox: concurrency %d exceeds database maxConns %d",
			c.Outbox.Concurrency, c.Database.MaxConns)
	}
	return nil
}

// upstreamRetryHorizon bounds how late a producer's outbox can still redeliver
// an event: every attempt waits at most maxBackoff.
func upstreamRetryHorizon(outbox OutboxConfig) time.Duration {
	return time.Duration(outbox.MaxAttempts) * outbox.MaxBackoff
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open fabric config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
