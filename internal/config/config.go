package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "scorebook.yml"

// Config models scorebook.yml.
type Config struct {
	Storage struct {
		Backend       string `yaml:"backend"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"storage"`
	Admission struct {
		ValidateTransitions bool `yaml:"validate_transitions"`
		MaxBatch            int  `yaml:"max_batch"`
		StateCacheSize      int  `yaml:"state_cache_size"`
	} `yaml:"admission"`
	RateLimit struct {
		Backend      string `yaml:"backend"`
		Propose      Quota  `yaml:"propose"`
		PublicExport Quota  `yaml:"public_export"`
	} `yaml:"rate_limit"`
	Replay struct {
		RecentWindow int `yaml:"recent_window"`
	} `yaml:"replay"`
	Broadcast struct {
		QueueSize int     `yaml:"queue_size"`
		JoinRate  float64 `yaml:"join_rate"`
		JoinBurst int     `yaml:"join_burst"`
	} `yaml:"broadcast"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards accepted operations to an HTTP endpoint. Empty
// Matches or Kinds select everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Matches        []string `yaml:"matches,omitempty"`
	Kinds          []string `yaml:"kinds,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Quota admits Limit requests per sliding Window.
type Quota struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("config.storage.backend must be sqlite or badger, got %q", c.Storage.Backend)
	}
	switch c.RateLimit.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("config.rate_limit.backend must be sqlite or memory, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == BackendSQLite && c.Storage.Backend != BackendSQLite {
		return fmt.Errorf("config.rate_limit.backend sqlite requires storage.backend sqlite")
	}
	for name, q := range map[string]Quota{"propose": c.RateLimit.Propose, "public_export": c.RateLimit.PublicExport} {
		if q.Limit < 0 {
			return fmt.Errorf("config.rate_limit.%s.limit must not be negative", name)
		}
		if q.Limit > 0 && q.Window <= 0 {
			return fmt.Errorf("config.rate_limit.%s.window is required when limit is set", name)
		}
	}
	if c.Admission.MaxBatch <= 0 {
		return fmt.Errorf("config.admission.max_batch must be positive")
	}
	if c.Replay.RecentWindow <= 0 {
		return fmt.Errorf("config.replay.recent_window must be positive")
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("config.broadcast.queue_size must be positive")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sb init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has none.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults, so omitted keys keep their
// default values, and validates the result.
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

const defaultTemplate = `storage:
  backend: sqlite
  busy_timeout_ms: 5000

admission:
  validate_transitions: true
  max_batch: 50
  state_cache_size: 256

rate_limit:
  backend: memory
  propose:
    limit: 60
    window: 60s
  public_export:
    limit: 30
    window: 60s

replay:
  recent_window: 6

broadcast:
  queue_size: 64
  join_rate: 5
  join_burst: 5

server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  allow_legacy_actor_header: false

# webhooks:
#   - url: https://example.com/scorebook
#     matches: []
#     kinds: [deliver_ball, end_innings]
#     timeout_seconds: 5
`
