package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml accepts "2s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config models opsline.yml.
type Config struct {
	Queue struct {
		MaxConcurrency     int      `yaml:"max_concurrency"`
		MaxAttempts        int      `yaml:"max_attempts"`
		BackoffBase        Duration `yaml:"backoff_base"`
		AdmissionPerSecond float64  `yaml:"admission_per_second"`
		MissionTimeout     Duration `yaml:"mission_timeout"`
		ShutdownGrace      Duration `yaml:"shutdown_grace"`
	} `yaml:"queue"`
	Pipeline struct {
		DashboardURL string `yaml:"dashboard_url"`
		AutoApprove  bool   `yaml:"auto_approve"`
		ArtifactDir  string `yaml:"artifact_dir"`
	} `yaml:"pipeline"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		APIKey    string `yaml:"api_key"`
		DevMode   bool   `yaml:"dev_mode"`
	} `yaml:"auth"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrency <= 0 {
		return fmt.Errorf("config.queue.max_concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config.queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("config.queue.backoff_base must be positive")
	}
	if c.Queue.AdmissionPerSecond <= 0 {
		return fmt.Errorf("config.queue.admission_per_second must be positive")
	}
	if c.Queue.MissionTimeout <= 0 {
		return fmt.Errorf("config.queue.mission_timeout must be positive")
	}
	if c.Pipeline.DashboardURL == "" {
		return fmt.Errorf("config.pipeline.dashboard_url is required")
	}
	if !c.Auth.DevMode && c.Auth.JWTSecret == "" && c.Auth.APIKey == "" {
		return fmt.Errorf("config.auth requires jwt_secret or api_key unless dev_mode is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with ol config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `queue:
  max_concurrency: 3
  max_attempts: 3
  backoff_base: 2s
  admission_per_second: 10
  mission_timeout: 300s
  shutdown_grace: 10s

pipeline:
  dashboard_url: http://localhost:8090/dashboard
  auto_approve: true
  artifact_dir: artifacts

auth:
  dev_mode: true
  jwt_secret: ""
  api_key: ""
`
