package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	MasterURL    string
	Addr         string
	Slots        int
	MaxInMemKeys int
	TmpDir       string
	Heartbeat    time.Duration
	Logging      LoggingConfig
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// The environment variables MASTER_URL, WORKER_SLOTS, MAX_IN_MEM_KEYS,
// TMP_DIR, HEARTBEAT_MS and WORKER_ADDR override file values verbatim.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("master_url", "http://localhost:8080")
	v.SetDefault("worker_addr", ":8081")
	v.SetDefault("worker_slots", runtime.NumCPU())
	v.SetDefault("max_in_mem_keys", 200_000)
	v.SetDefault("tmp_dir", "/data/tmp")
	v.SetDefault("heartbeat_ms", 3_000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
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
		"master_url":      "MASTER_URL",
		"worker_addr":     "WORKER_ADDR",
		"worker_slots":    "WORKER_SLOTS",
		"max_in_mem_keys": "MAX_IN_MEM_KEYS",
		"tmp_dir":         "TMP_DIR",
		"heartbeat_ms":    "HEARTBEAT_MS",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("error binding %s: %w", env, err)
		}
	}

	cfg := &WorkerConfig{
		MasterURL:    v.GetString("master_url"),
		Addr:         v.GetString("worker_addr"),
		Slots:        v.GetInt("worker_slots"),
		MaxInMemKeys: v.GetInt("max_in_mem_keys"),
		TmpDir:       v.GetString("tmp_dir"),
		Heartbeat:    time.Duration(v.GetInt("heartbeat_ms")) * time.Millisecond,
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.MaxInMemKeys < 1 {
		return nil, fmt.Errorf("max_in_mem_keys must be at least 1, got %d", cfg.MaxInMemKeys)
	}

	return cfg, nil
}
