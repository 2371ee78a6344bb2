// Package config loads Jarvis's process-wide configuration from environment
// variables (optionally backed by a .env file) and an optional YAML
// overlay. A single Config instance is built by the entry point and handed
// to every component by value/pointer; nothing in the core reaches for an
// ambient global.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every environment-controlled setting named in the external
// interfaces section: backend endpoints/credentials, per-intent default
// models, metrics bind address, mesh identity key path, and data directory.
type Config struct {
	DataDir string `yaml:"data_dir"`

	GatewayBaseURL string `yaml:"gateway_base_url"`
	GatewayAPIKey  string `yaml:"-"`

	LocalBaseURL string `yaml:"local_base_url"`

	// IntentModels maps an Intent name to the local-backend model used
	// when the gateway is unavailable or unconfigured.
	IntentModels map[string]string `yaml:"intent_models"`

	MetricsAddr string `yaml:"metrics_addr"`

	MeshIdentityKeyPath string        `yaml:"mesh_identity_key_path"`
	MeshListenAddr      string        `yaml:"mesh_listen_addr"`
	MeshMulticastAddr   string        `yaml:"mesh_multicast_addr"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`

	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	RouterDeadline  time.Duration `yaml:"router_deadline"`
	CancelGraceTime time.Duration `yaml:"cancel_grace"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config populated with the documented defaults, prior to
// any environment or file overlay.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		LocalBaseURL:    "http://127.0.0.1:11434",
		MetricsAddr:     "127.0.0.1:9090",
		HeartbeatInterval: 30 * time.Second,
		ToolTimeout:     60 * time.Second,
		RouterDeadline:  30 * time.Second,
		CancelGraceTime: 250 * time.Millisecond,
		LogLevel:        "info",
		LogFormat:       "text",
		IntentModels: map[string]string{
			"code":          "qwen2.5-coder:14b",
			"system":        "llama3.1:8b",
			"devops":        "llama3.1:8b",
			"reason":        "llama3.1:70b",
			"unknown":       "llama3.1:8b",
		},
	}
}

// Load builds a Config by layering, in increasing precedence: built-in
// defaults, an optional YAML file, a .env file in the working directory (if
// present), and process environment variables.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", yamlPath, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
			}
		}
	}

	// .env is best-effort; absence is not an error.
	_ = godotenv.Load()

	applyEnv(cfg)

	if cfg.IntentModels == nil {
		cfg.IntentModels = Default().IntentModels
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DataDir, "JARVIS_DATA_DIR")
	setString(&cfg.GatewayBaseURL, "JARVIS_GATEWAY_BASE_URL")
	setString(&cfg.GatewayAPIKey, "JARVIS_GATEWAY_API_KEY")
	setString(&cfg.LocalBaseURL, "JARVIS_LOCAL_BASE_URL")
	setString(&cfg.MetricsAddr, "JARVIS_METRICS_ADDR")
	setString(&cfg.MeshIdentityKeyPath, "JARVIS_MESH_IDENTITY_KEY")
	setString(&cfg.MeshListenAddr, "JARVIS_MESH_LISTEN_ADDR")
	setString(&cfg.MeshMulticastAddr, "JARVIS_MESH_MULTICAST_ADDR")
	setString(&cfg.LogLevel, "JARVIS_LOG_LEVEL")
	setString(&cfg.LogFormat, "JARVIS_LOG_FORMAT")
	setDuration(&cfg.HeartbeatInterval, "JARVIS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.ToolTimeout, "JARVIS_TOOL_TIMEOUT")
	setDuration(&cfg.RouterDeadline, "JARVIS_ROUTER_DEADLINE")

	if raw := os.Getenv("JARVIS_INTENT_MODELS"); raw != "" {
		// k=v,k=v pairs; malformed pairs are skipped rather than fatal.
		for _, pair := range strings.Split(raw, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				cfg.IntentModels[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}
