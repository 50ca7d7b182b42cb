// Package config loads the process-wide Config from a file plus environment
// overrides, the way turahe-go-restfull's config package wraps viper behind
// a small mutex-guarded singleton.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.Mutex
)

// Config is the top-level process configuration.
type Config struct {
	LogLevel string   `mapstructure:"logLevel"`
	Postgres Postgres `mapstructure:"postgres"`
	Engine   Engine   `mapstructure:"engine"`
	HTTP     HTTP     `mapstructure:"http"`
}

// Postgres holds connection and pool-sizing parameters.
type Postgres struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"sslMode"`
	MaxConns          int           `mapstructure:"maxConns"`
	MinConns          int           `mapstructure:"minConns"`
	MaxConnLifetime   time.Duration `mapstructure:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `mapstructure:"healthCheckPeriod"`
}

// Engine holds closure-engine tuning.
type Engine struct {
	SafetyLimit int `mapstructure:"safetyLimit"`
}

// HTTP holds the query-surface server's listen address.
type HTTP struct {
	Port int `mapstructure:"port"`
}

// Default returns a Config with sane local-development values.
func Default() Config {
	return Config{
		LogLevel: "info",
		Postgres: Postgres{
			Host:              "localhost",
			Port:              5432,
			Username:          "postgres",
			Password:          "postgres",
			Database:          "roleclosure",
			SSLMode:           "disable",
			MaxConns:          20,
			MinConns:          5,
			MaxConnLifetime:   time.Hour,
			MaxConnIdleTime:   30 * time.Minute,
			HealthCheckPeriod: 5 * time.Minute,
		},
		Engine: Engine{SafetyLimit: 1000},
		HTTP:   HTTP{Port: 8080},
	}
}

// Load reads configFile (if non-empty) via viper, applies environment
// variable overrides (ROLECLOSURE_ prefix, e.g. ROLECLOSURE_POSTGRES_HOST),
// and caches the result for Get.
func Load(configFile string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	c := Default()

	v := viper.New()
	v.SetEnvPrefix("ROLECLOSURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only reads keys viper already knows, so each field is bound
	// to its environment variable explicitly.
	for _, key := range []string{
		"logLevel", "engine.safetyLimit", "http.port",
		"postgres.host", "postgres.port", "postgres.username", "postgres.password",
		"postgres.database", "postgres.sslMode", "postgres.maxConns", "postgres.minConns",
		"postgres.maxConnLifetime", "postgres.maxConnIdleTime", "postgres.healthCheckPeriod",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg = &c
	return cfg, nil
}

// Get returns the most recently Load-ed Config, or Default if Load has not
// been called yet.
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		d := Default()
		cfg = &d
	}
	return cfg
}
