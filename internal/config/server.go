// Package config loads the server and client configurations through viper.
// Server settings come from the environment (optionally seeded from an env
// file); client settings live in a TOML file under the labtasker root.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds everything the server binary needs.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9321".
	Addr string
	// DBPath is the SQLite database file.
	DBPath string
	// Pepper is the server-side password pepper.
	Pepper string
	// BcryptCost is the bcrypt work factor; 0 uses the library default.
	BcryptCost int
	// MinPasswordLength is enforced on queue creation and password rotation.
	MinPasswordLength int
	// SweepInterval is how often the timeout sweeper runs.
	SweepInterval time.Duration
	// AllowUnsafe enables the raw collection query/update endpoints.
	AllowUnsafe bool
	// LogLevel is debug, info, warn or error.
	LogLevel string
}

// LoadServer reads server settings from LABTASKER_* environment variables,
// optionally seeded from an env file.
func LoadServer(envFile string) (*ServerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("labtasker")
	v.AutomaticEnv()

	v.SetDefault("addr", ":9321")
	v.SetDefault("db_path", "labtasker.db")
	v.SetDefault("pepper", "")
	v.SetDefault("bcrypt_cost", 0)
	v.SetDefault("min_password_length", 8)
	v.SetDefault("periodic_task_interval", 30.0)
	v.SetDefault("allow_unsafe_behavior", false)
	v.SetDefault("log_level", "info")

	if envFile != "" {
		// The env prefix only applies to AutomaticEnv, so keys read from the
		// file keep their LABTASKER_ prefix. Strip it and seed them as
		// defaults, leaving the process environment as the final word.
		f := viper.New()
		f.SetConfigFile(envFile)
		f.SetConfigType("env")
		if err := f.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		for _, key := range f.AllKeys() {
			v.SetDefault(strings.TrimPrefix(key, "labtasker_"), f.Get(key))
		}
	}

	interval, err := sweepInterval(v)
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		Addr:              v.GetString("addr"),
		DBPath:            v.GetString("db_path"),
		Pepper:            v.GetString("pepper"),
		BcryptCost:        v.GetInt("bcrypt_cost"),
		MinPasswordLength: v.GetInt("min_password_length"),
		SweepInterval:     interval,
		AllowUnsafe:       v.GetBool("allow_unsafe_behavior"),
		LogLevel:          v.GetString("log_level"),
	}
	if cfg.MinPasswordLength < 1 {
		return nil, fmt.Errorf("min_password_length must be at least 1")
	}
	return cfg, nil
}

// sweepInterval resolves the sweeper cadence: PERIODIC_TASK_INTERVAL in
// float seconds, or SWEEP_INTERVAL as a duration string ("30s").
func sweepInterval(v *viper.Viper) (time.Duration, error) {
	if s := v.GetString("sweep_interval"); s != "" {
		interval, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid sweep_interval: %w", err)
		}
		if interval <= 0 {
			return 0, fmt.Errorf("sweep_interval must be positive")
		}
		return interval, nil
	}
	secs := v.GetFloat64("periodic_task_interval")
	interval := time.Duration(secs * float64(time.Second))
	if interval <= 0 {
		return 0, fmt.Errorf("periodic_task_interval must be positive, got %v", secs)
	}
	return interval, nil
}
