package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "HOOKD_"

type Config struct {
	Etcd      EtcdConfig      `koanf:"etcd"`
	Registry  RegistryConfig  `koanf:"registry"`
	Database  DatabaseConfig  `koanf:"database"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	API       APIConfig       `koanf:"api"`
	Worker    WorkerConfig    `koanf:"worker"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// RegistryConfig 节点注册表放在哪：etcd 或 postgres。chunk 队列始终在 etcd。
type RegistryConfig struct {
	Backend string `koanf:"backend"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

type SchedulerConfig struct {
	MaxClaimRetries int           `koanf:"max_claim_retries"`
	ResyncInterval  time.Duration `koanf:"resync_interval"`
	ChunkTimeout    time.Duration `koanf:"chunk_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ReleaseGrace    time.Duration `koanf:"release_grace"`
}

type APIConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type WorkerConfig struct {
	Address           string        `koanf:"address"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	Image             string        `koanf:"image"`
	PullImages        bool          `koanf:"pull_images"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads defaults, then the TOML file (if provided), then HOOKD_* env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", configPath, err)
		}
	}

	// HOOKD_SCHEDULER_CHUNK_TIMEOUT -> scheduler.chunk_timeout
	// 只有第一个下划线之后的部分是字段名，字段名本身可以带下划线
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		path := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		section, field, ok := strings.Cut(path, "_")
		if !ok {
			return "", nil
		}
		if section == "etcd" && field == "endpoints" {
			return "etcd.endpoints", strings.Split(value, ",")
		}
		return section + "." + field, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case "etcd":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("registry backend postgres requires database.url (or HOOKD_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown registry backend %q (want etcd or postgres)", c.Registry.Backend)
	}
	if len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}
	if c.Scheduler.MaxClaimRetries < 0 {
		return fmt.Errorf("scheduler.max_claim_retries must not be negative")
	}
	return nil
}
