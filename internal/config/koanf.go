// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/affinity/config.yaml",
	"/etc/affinity/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		NATS: NATSConfig{
			URL:                "nats://127.0.0.1:4222",
			EmbeddedServer:     true,
			StoreDir:           "/data/nats/jetstream",
			Partitions:         8,
			ActionStreamMaxAge: 30 * 24 * time.Hour,
			DuplicateWindow:    2 * time.Minute,
			MaxReconnects:      -1, // retry forever
			ReconnectWait:      2 * time.Second,
			AckWaitTimeout:     30 * time.Second,
			CloseTimeout:       30 * time.Second,
			MaxDeliver:         5,
			MaxAckPending:      1024,
			EngineDurableName:  "affinity-engine",
			EngineQueueGroup:   "engine",
			StoreDurableName:   "affinity-store",
			StoreQueueGroup:    "store",
		},
		Gateway: GatewayConfig{
			MaxFutureSkew:  5 * time.Minute,
			PublishRetries: 3,
			PublishBackoff: 100 * time.Millisecond,
			PublishTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			Epsilon:       1e-9,
			Shards:        64,
			DLQMaxRetries: 5,
			DLQMaxEntries: 10000,
		},
		Store: StoreConfig{
			Path:         "/data/affinity",
			InMemory:     false,
			DefaultLimit: 20,
			MaxLimit:     100,
			CacheTTL:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. struct defaults
//  2. optional YAML config file
//  3. environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are config paths parsed as comma-separated slices when
// they arrive through the environment as plain strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated env strings to slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment noise cannot leak
// into the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"http_host":         "server.host",
		"http_port":         "server.port",
		"http_read_timeout": "server.read_timeout",
		"http_shutdown":     "server.shutdown_timeout",
		"cors_origins":      "server.cors_origins",
		"rate_limit_reqs":   "server.rate_limit_reqs",
		"rate_limit_window": "server.rate_limit_window",

		"nats_url":                 "nats.url",
		"nats_embedded":            "nats.embedded_server",
		"nats_store_dir":           "nats.store_dir",
		"nats_partitions":          "nats.partitions",
		"nats_action_max_age":      "nats.action_stream_max_age",
		"nats_duplicate_window":    "nats.duplicate_window",
		"nats_max_reconnects":      "nats.max_reconnects",
		"nats_reconnect_wait":      "nats.reconnect_wait",
		"nats_ack_wait":            "nats.ack_wait_timeout",
		"nats_close_timeout":       "nats.close_timeout",
		"nats_max_deliver":         "nats.max_deliver",
		"nats_max_ack_pending":     "nats.max_ack_pending",
		"nats_engine_durable_name": "nats.engine_durable_name",
		"nats_engine_queue_group":  "nats.engine_queue_group",
		"nats_store_durable_name":  "nats.store_durable_name",
		"nats_store_queue_group":   "nats.store_queue_group",

		"gateway_max_future_skew": "gateway.max_future_skew",
		"gateway_publish_retries": "gateway.publish_retries",
		"gateway_publish_backoff": "gateway.publish_backoff",
		"gateway_publish_timeout": "gateway.publish_timeout",

		"engine_epsilon":         "engine.epsilon",
		"engine_shards":          "engine.shards",
		"engine_dlq_max_retries": "engine.dlq_max_retries",
		"engine_dlq_max_entries": "engine.dlq_max_entries",

		"store_path":          "store.path",
		"store_in_memory":     "store.in_memory",
		"store_default_limit": "store.default_limit",
		"store_max_limit":     "store.max_limit",
		"store_cache_ttl":     "store.cache_ttl",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
