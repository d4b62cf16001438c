package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/stores"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
	"github.com/rangekeeper/rangekeeper/pkg/transports/ssh"
)

// DefaultConfigFile is the configuration file name looked up in the
// working directory.
const DefaultConfigFile = "rangekeeper.yaml"

// Driver names.
const (
	DriverSSH  = "ssh"
	DriverStub = "stub"
)

// AppConfig is the rangekeeper configuration file.
type AppConfig struct {
	// DataDir holds the database and other local state. Relative paths in
	// the file are resolved against it.
	DataDir string `yaml:"data_dir" validate:"required"`

	Database     stores.Config              `yaml:"database"`
	Orchestrator engine.OrchestratorOptions `yaml:"orchestrator"`
	Health       engine.HealthOptions       `yaml:"health"`
	Policy       PolicyConfig               `yaml:"policy"`
	API          APIConfig                  `yaml:"api"`
	Driver       DriverConfig               `yaml:"driver"`
	Telemetry    telemetry.Config           `yaml:"telemetry"`
}

// PolicyConfig configures plan admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds .rego files loaded next to the built-in policies.
	Dir string `yaml:"dir"`

	// Watch reloads policies when files in Dir change.
	Watch bool `yaml:"watch"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Listen          string        `yaml:"listen" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DriverConfig selects and configures the deployment driver.
type DriverConfig struct {
	Name string `yaml:"name" validate:"required,oneof=ssh stub"`

	// SSH holds connection defaults; resources override host, port and user
	// through their attributes.
	SSH ssh.Config `yaml:"ssh"`

	// RulesDir holds Starlark probe rules referenced by resources.
	RulesDir string `yaml:"rules_dir"`

	// RuleTimeout bounds a single probe rule evaluation.
	RuleTimeout time.Duration `yaml:"rule_timeout"`

	// StubDelay is the simulated duration of a stub deploy.
	StubDelay time.Duration `yaml:"stub_delay"`
}

// Default returns the configuration written by "rangekeeper init".
func Default() *AppConfig {
	return &AppConfig{
		DataDir: ".rangekeeper",
		Database: stores.Config{
			Path:            "rangekeeper.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Orchestrator: engine.DefaultOrchestratorOptions(),
		Health:       engine.DefaultHealthOptions(),
		Policy: PolicyConfig{
			Enabled: true,
			Dir:     "policies",
		},
		API: APIConfig{
			Listen:          "127.0.0.1:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Driver: DriverConfig{
			Name: DriverStub,
			SSH: ssh.Config{
				Port:                  22,
				User:                  "root",
				AuthMethod:            ssh.AuthMethodKey,
				StrictHostKeyChecking: false,
				ConnectionTimeout:     30 * time.Second,
				CommandTimeout:        5 * time.Minute,
			},
			RulesDir:    "rules",
			RuleTimeout: 5 * time.Second,
			StubDelay:   0,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// resolvePaths makes data paths absolute relative to DataDir.
func (c *AppConfig) resolvePaths() {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}

	if c.Database.Path != ":memory:" {
		c.Database.Path = rel(c.Database.Path)
	}
	c.Policy.Dir = rel(c.Policy.Dir)
	c.Driver.RulesDir = rel(c.Driver.RulesDir)
	c.Driver.SSH.PrivateKeyPath = rel(c.Driver.SSH.PrivateKeyPath)
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	o := c.Orchestrator
	if o.MaxParallel < 0 || o.MaxRetries < 0 {
		return fmt.Errorf("orchestrator: max_parallel and max_retries must not be negative")
	}
	if o.DeployTimeout < 0 || o.VerifyTimeout < 0 || o.VerifyInterval < 0 || o.RevokeTimeout < 0 {
		return fmt.Errorf("orchestrator: timeouts must not be negative")
	}

	if err := c.Health.Mode.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if c.Health.Cooldown < 0 || c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health: cooldown must not be negative, interval and probe_timeout must be positive")
	}
	if c.Health.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("health: max_recovery_attempts must not be negative")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// Write saves cfg as YAML at path, creating the parent directory.
func Write(path string, cfg *AppConfig) error {
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
