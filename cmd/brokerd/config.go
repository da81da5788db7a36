package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "5s" or "24h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RegistryConfig selects and configures the registry backend.
type RegistryConfig struct {
	// Backend is one of "file", "redis", "firestore".
	Backend string `yaml:"backend"`

	// Path is the registry document location for the file backend.
	Path string `yaml:"path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	FirestoreProject    string `yaml:"firestore_project"`
	FirestoreCollection string `yaml:"firestore_collection"`

	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

// ArchiveConfig enables GCS archival of cleaned-up messages when Bucket is
// set.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config is the brokerd YAML configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	CredentialsFile string `yaml:"credentials_file"`

	BrokerID   string `yaml:"broker_id"`
	QueueRoot  string `yaml:"queue_root"`
	SecretPath string `yaml:"secret_path"`

	PollInterval     Duration `yaml:"poll_interval"`
	BackoffCap       Duration `yaml:"backoff_cap"`
	CleanupEvery     int      `yaml:"cleanup_every"`
	MessageRetention Duration `yaml:"message_retention"`
	AgentMaxAge      Duration `yaml:"agent_max_age"`

	Registry RegistryConfig `yaml:"registry"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// LoadConfig reads and validates the YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.QueueRoot == "" {
		return nil, fmt.Errorf("config: queue_root is required")
	}
	if cfg.SecretPath == "" {
		return nil, fmt.Errorf("config: secret_path is required")
	}
	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = "file"
	}
	switch cfg.Registry.Backend {
	case "file":
		if cfg.Registry.Path == "" {
			return nil, fmt.Errorf("config: registry.path is required for the file backend")
		}
	case "redis":
		if cfg.Registry.RedisAddr == "" {
			return nil, fmt.Errorf("config: registry.redis_addr is required for the redis backend")
		}
	case "firestore":
		if cfg.Registry.FirestoreProject == "" {
			return nil, fmt.Errorf("config: registry.firestore_project is required for the firestore backend")
		}
	default:
		return nil, fmt.Errorf("config: unknown registry backend %q", cfg.Registry.Backend)
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8081"
	}
	return cfg, nil
}
