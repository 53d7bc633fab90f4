package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"sandbox-engine/internal/container"
	"sandbox-engine/internal/events"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/monitor"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Container   ContainerConfig   `yaml:"container"`
	Network     NetworkConfig     `yaml:"network"`
	Database    DatabaseConfig    `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Security    SecurityConfig    `yaml:"security"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
	TLS         TLSConfig         `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type InterpreterConfig struct {
	Python           string        `yaml:"python"`
	WorkDir          string        `yaml:"work_dir"`
	BaselinePackages []string      `yaml:"baseline_packages"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	InstallTimeout   time.Duration `yaml:"install_timeout"`
	MemoryLimit      string        `yaml:"memory_limit"` // e.g. "256M"
}

type ContainerConfig struct {
	Enabled          bool              `yaml:"enabled"`
	DataDir          string            `yaml:"data_dir"`
	ImageDir         string            `yaml:"image_dir"`
	AlpineVersion    string            `yaml:"alpine_version"`
	ImageURL         string            `yaml:"image_url"`
	ImageSHA256      map[string]string `yaml:"image_sha256"` // keyed by x86_64, aarch64
	Mode             string            `yaml:"mode"`         // auto, chroot, landlock or none
	DefaultLimits    LimitsConfig      `yaml:"default_limits"`
	CommandTimeout   time.Duration     `yaml:"command_timeout"`
	InstallTimeout   time.Duration     `yaml:"install_timeout"`
	PollSchedule     string            `yaml:"poll_schedule"`
	ServiceCommand   string            `yaml:"service_command"`
	ServiceStartWait time.Duration     `yaml:"service_start_wait"`
}

type LimitsConfig struct {
	Memory     string `yaml:"memory"`
	CPU        string `yaml:"cpu"`
	Storage    string `yaml:"storage"`
	Pids       int64  `yaml:"pids"`
	CPUSeconds int64  `yaml:"cpu_seconds"`
}

type NetworkConfig struct {
	DNSServers   []string `yaml:"dns_servers"`
	BlockedPorts []int    `yaml:"blocked_ports"`
}

type DatabaseConfig struct {
	DSN         string `yaml:"dsn"`
	AuditBuffer int    `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"` // http or grpc
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	AllowedPackages      []string `yaml:"allowed_packages"`
	AllowedCommands      []string `yaml:"allowed_commands"`
	MaxCodeBytes         int      `yaml:"max_code_bytes"`
	MaxCommandLength     int      `yaml:"max_command_length"`
	ComplexityThreshold  int      `yaml:"complexity_threshold"`

	// MaxConcurrentExecutions caps in-flight execute and run requests.
	// Zero means unlimited.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`
}

// EventsConfig enables the Kafka usage sink.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	interp := interpreter.DefaultConfig()
	mgr := container.DefaultManagerConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute, // > max command timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Interpreter: InterpreterConfig{
			Python:           interp.Python,
			WorkDir:          interp.WorkDir,
			BaselinePackages: interp.BaselinePackages,
			DefaultTimeout:   interp.DefaultTimeout,
			MaxTimeout:       5 * time.Minute,
			InitTimeout:      interp.InitTimeout,
			InstallTimeout:   interp.InstallTimeout,
			MemoryLimit:      "256M",
		},
		Container: ContainerConfig{
			Enabled:       true,
			DataDir:       mgr.DataDir,
			ImageDir:      mgr.ImageDir,
			AlpineVersion: mgr.AlpineVersion,
			ImageURL:      mgr.ImageURL,
			Mode:          string(mgr.Mode),
			DefaultLimits: LimitsConfig{
				Memory:     "512M",
				CPU:        "1",
				Storage:    "1G",
				Pids:       mgr.Limits.PidsLimit,
				CPUSeconds: mgr.Limits.CPUSeconds,
			},
			CommandTimeout:   mgr.CommandTimeout,
			InstallTimeout:   mgr.InstallTimeout,
			PollSchedule:     mgr.PollSchedule,
			ServiceCommand:   mgr.ServiceCommand,
			ServiceStartWait: mgr.ServiceStartWait,
		},
		Network: NetworkConfig{
			DNSServers: mgr.DNSServers,
		},
		Database: DatabaseConfig{
			AuditBuffer: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Protocol: "http",
			Sample:   0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:            "X-API-Key",
			RateLimitRPS:            100,
			RateLimitBurst:          200,
			MaxConcurrentExecutions: 64,
			MaxCodeBytes:            security.DefaultMaxCodeBytes,
			MaxCommandLength:        security.DefaultMaxCommandLength,
			ComplexityThreshold:     security.DefaultComplexityThreshold,
		},
		Events: EventsConfig{
			Topic:  "sandbox.usage",
			Buffer: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Interpreter.DefaultTimeout > c.Interpreter.MaxTimeout {
		return fmt.Errorf("interpreter.default_timeout (%s) must be <= max_timeout (%s)",
			c.Interpreter.DefaultTimeout, c.Interpreter.MaxTimeout)
	}
	if _, err := c.InterpreterSettings(); err != nil {
		return err
	}
	if c.Container.Enabled {
		if _, err := c.ContainerSettings(); err != nil {
			return err
		}
	}
	if c.Security.MaxConcurrentExecutions < 0 {
		return fmt.Errorf("security.max_concurrent_executions must be >= 0")
	}
	for _, p := range c.Network.BlockedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("network.blocked_ports: %d is not a valid port", p)
		}
	}
	switch c.Tracing.Protocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("tracing.protocol must be http or grpc, got %q", c.Tracing.Protocol)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 || c.Events.Topic == "" {
			return fmt.Errorf("events.brokers and events.topic are required when events are enabled")
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// InterpreterSettings resolves the interpreter section.
func (c *Config) InterpreterSettings() (interpreter.Config, error) {
	out := interpreter.Config{
		Python:           c.Interpreter.Python,
		WorkDir:          c.Interpreter.WorkDir,
		BaselinePackages: c.Interpreter.BaselinePackages,
		DefaultTimeout:   c.Interpreter.DefaultTimeout,
		InitTimeout:      c.Interpreter.InitTimeout,
		InstallTimeout:   c.Interpreter.InstallTimeout,
	}
	if c.Interpreter.MemoryLimit != "" {
		mem, err := container.ParseSize(c.Interpreter.MemoryLimit)
		if err != nil {
			return out, fmt.Errorf("interpreter.memory_limit: %w", err)
		}
		if mem > sandbox.MaxMemoryBytes {
			return out, fmt.Errorf("%w: interpreter.memory_limit exceeds maximum allowed (1GB)", sandbox.ErrInvalidConfig)
		}
		out.MemoryLimitBytes = mem
	}
	return out, nil
}

// ContainerSettings resolves the container and network sections.
func (c *Config) ContainerSettings() (container.ManagerConfig, error) {
	out := container.ManagerConfig{
		DataDir:          c.Container.DataDir,
		ImageDir:         c.Container.ImageDir,
		AlpineVersion:    c.Container.AlpineVersion,
		ImageURL:         c.Container.ImageURL,
		ImageSHA256:      c.Container.ImageSHA256,
		DNSServers:       c.Network.DNSServers,
		BlockedPorts:     c.Network.BlockedPorts,
		CommandTimeout:   c.Container.CommandTimeout,
		InstallTimeout:   c.Container.InstallTimeout,
		PollSchedule:     c.Container.PollSchedule,
		ServiceCommand:   c.Container.ServiceCommand,
		ServiceStartWait: c.Container.ServiceStartWait,
	}
	mode, err := container.ParseMode(c.Container.Mode)
	if err != nil {
		return out, fmt.Errorf("container.mode: %w", err)
	}
	out.Mode = mode

	spec := container.Config{Limits: container.LimitSpec{
		Memory:  c.Container.DefaultLimits.Memory,
		CPU:     c.Container.DefaultLimits.CPU,
		Storage: c.Container.DefaultLimits.Storage,
	}}
	limits, err := spec.ResourceLimits(sandbox.ResourceLimits{
		PidsLimit:  c.Container.DefaultLimits.Pids,
		CPUSeconds: c.Container.DefaultLimits.CPUSeconds,
	})
	if err != nil {
		return out, fmt.Errorf("container.default_limits: %w", err)
	}
	out.Limits = limits
	return out, nil
}

// ValidatorOptions applies the security section to a validator.
func (c *Config) ValidatorOptions() []security.Option {
	var opts []security.Option
	if c.Security.MaxCodeBytes > 0 {
		opts = append(opts, security.WithMaxCodeBytes(c.Security.MaxCodeBytes))
	}
	if c.Security.ComplexityThreshold > 0 {
		opts = append(opts, security.WithComplexityThreshold(c.Security.ComplexityThreshold))
	}
	if len(c.Security.AllowedPackages) > 0 {
		opts = append(opts, security.WithAllowedPackages(c.Security.AllowedPackages...))
	}
	if len(c.Security.AllowedCommands) > 0 || (c.Security.MaxCommandLength > 0 && c.Security.MaxCommandLength != security.DefaultMaxCommandLength) {
		allowed := c.Security.AllowedCommands
		if len(allowed) == 0 {
			allowed = security.DefaultAllowedCommands
		}
		maxLength := c.Security.MaxCommandLength
		if maxLength <= 0 {
			maxLength = security.DefaultMaxCommandLength
		}
		opts = append(opts, security.WithCommandPolicy(
			security.NewCommandPolicy(allowed, security.DefaultBlockedCommands, maxLength),
		))
	}
	return opts
}

func (c *Config) TracingSettings() monitor.TracingConfig {
	return monitor.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		Endpoint:    c.Tracing.Endpoint,
		Protocol:    c.Tracing.Protocol,
		Insecure:    c.Tracing.Insecure,
		ServiceName: c.Tracing.ServiceName,
		SampleRate:  c.Tracing.Sample,
	}
}

func (c *Config) KafkaSettings() events.KafkaConfig {
	return events.KafkaConfig{Brokers: c.Events.Brokers, Topic: c.Events.Topic}
}
