// Copyright 2025 Agger Protocol
//
// Configuration for the agger node. Values come from the environment, may be
// overridden by an optional YAML tuning file, and finally by CLI flags.

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the node daemon.
type Config struct {
	// Ledger configuration.
	AptosRPC     string // mainnet, testnet, devnet, or a full URL
	AggerAddress string // hex account address of the agger contract set

	// Storage.
	StorePath string

	// Pipeline tuning.
	PollInterval     time.Duration
	ProverWorkers    int
	TaskQueueDepth   int
	OutputQueueDepth int

	// Observability.
	MetricsAddr string
	LogLevel    string
}

// TuningFile is the YAML shape of the optional --config file. Zero values
// leave the corresponding setting untouched.
type TuningFile struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ProverWorkers    int           `yaml:"prover_workers"`
	TaskQueueDepth   int           `yaml:"task_queue_depth"`
	OutputQueueDepth int           `yaml:"output_queue_depth"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	LogLevel         string        `yaml:"log_level"`
}

// Load reads configuration from the environment with safe defaults.
func Load() *Config {
	return &Config{
		AptosRPC:     getEnv("AGGER_APTOS_RPC", ""),
		AggerAddress: getEnv("AGGER_ADDRESS", ""),

		StorePath: getEnv("AGGER_STORE_PATH", "aggerdb"),

		PollInterval:     getEnvDuration("AGGER_POLL_INTERVAL", 30*time.Second),
		ProverWorkers:    getEnvInt("AGGER_PROVER_WORKERS", runtime.NumCPU()),
		TaskQueueDepth:   getEnvInt("AGGER_TASK_QUEUE_DEPTH", 32),
		OutputQueueDepth: getEnvInt("AGGER_OUTPUT_QUEUE_DEPTH", 32),

		MetricsAddr: getEnv("AGGER_METRICS_ADDR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

// ApplyFile overlays the YAML tuning file at path onto the config.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var t TuningFile
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if t.PollInterval > 0 {
		c.PollInterval = t.PollInterval
	}
	if t.ProverWorkers > 0 {
		c.ProverWorkers = t.ProverWorkers
	}
	if t.TaskQueueDepth > 0 {
		c.TaskQueueDepth = t.TaskQueueDepth
	}
	if t.OutputQueueDepth > 0 {
		c.OutputQueueDepth = t.OutputQueueDepth
	}
	if t.MetricsAddr != "" {
		c.MetricsAddr = t.MetricsAddr
	}
	if t.LogLevel != "" {
		c.LogLevel = t.LogLevel
	}
	return nil
}

// Validate checks that the configuration can start a node.
func (c *Config) Validate() error {
	if c.AptosRPC == "" {
		return fmt.Errorf("aptos rpc is required (--aptos-rpc or AGGER_APTOS_RPC)")
	}
	if c.AggerAddress == "" {
		return fmt.Errorf("agger address is required (--agger-address or AGGER_ADDRESS)")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.ProverWorkers < 1 {
		return fmt.Errorf("prover workers must be at least 1")
	}
	if c.TaskQueueDepth < 1 || c.OutputQueueDepth < 1 {
		return fmt.Errorf("queue depths must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
