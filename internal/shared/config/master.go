package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// MasterConfig contains all configuration for the master service.
type MasterConfig struct {
	BindAddr    string
	DeadTimeout time.Duration
	TaskTimeout time.Duration
	Heartbeat   time.Duration
	MaxAttempts int
	Logging     LoggingConfig
}

// LoadMaster loads the master configuration from the given path.
// If configPath is empty, it looks for master.yaml in the config/ directory.
// The environment variables BIND_ADDR, DEAD_TIMEOUT_MS, MAX_ATTEMPTS,
// TASK_TIMEOUT_MS and HEARTBEAT_MS override file values verbatim, so they
// are bound explicitly instead of through a prefix.
func LoadMaster(configPath string) (*MasterConfig, error) {
	v := viper.New()

	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("dead_timeout_ms", 15_000)
	v.SetDefault("task_timeout_ms", 600_000)
	v.SetDefault("heartbeat_ms", 3_000)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("master")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, env := range map[string]string{
		"bind_addr":       "BIND_ADDR",
		"dead_timeout_ms": "DEAD_TIMEOUT_MS",
		"task_timeout_ms": "TASK_TIMEOUT_MS",
		"heartbeat_ms":    "HEARTBEAT_MS",
		"max_attempts":    "MAX_ATTEMPTS",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	cfg := &MasterConfig{
		BindAddr:    v.GetString("bind_addr"),
		DeadTimeout: time.Duration(v.GetInt("dead_timeout_ms")) * time.Millisecond,
		TaskTimeout: time.Duration(v.GetInt("task_timeout_ms")) * time.Millisecond,
		Heartbeat:   time.Duration(v.GetInt("heartbeat_ms")) * time.Millisecond,
		MaxAttempts: v.GetInt("max_attempts"),
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1, got %d", cfg.MaxAttempts)
	}

	return cfg, nil
}
