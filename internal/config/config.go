// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package config defines the application configuration and its layered
// loading: struct defaults, then an optional YAML file, then environment
// variables. Precedence is ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the affinity service.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	NATS    NATSConfig    `koanf:"nats"`
	Gateway GatewayConfig `koanf:"gateway"`
	Engine  EngineConfig  `koanf:"engine"`
	Store   StoreConfig   `koanf:"store"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// NATSConfig holds broker and stream settings.
type NATSConfig struct {
	// URL is the NATS server address.
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process NATS server with JetStream enabled,
	// listening on URL. Single-binary deployments use this.
	EmbeddedServer bool `koanf:"embedded_server"`

	// StoreDir is the JetStream storage directory for the embedded server.
	StoreDir string `koanf:"store_dir"`

	// Partitions is the number of action-stream partition subjects.
	// All actions of one user map to one partition, so one consumer
	// instance sees a user's actions in order.
	Partitions int `koanf:"partitions"`

	// ActionStreamMaxAge bounds retained action history.
	ActionStreamMaxAge time.Duration `koanf:"action_stream_max_age"`

	// DuplicateWindow is the JetStream Nats-Msg-Id deduplication window.
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	AckWaitTimeout time.Duration `koanf:"ack_wait_timeout"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
	MaxDeliver     int           `koanf:"max_deliver"`
	MaxAckPending  int           `koanf:"max_ack_pending"`

	EngineDurableName string `koanf:"engine_durable_name"`
	EngineQueueGroup  string `koanf:"engine_queue_group"`
	StoreDurableName  string `koanf:"store_durable_name"`
	StoreQueueGroup   string `koanf:"store_queue_group"`
}

// GatewayConfig holds ingestion gateway settings.
type GatewayConfig struct {
	// MaxFutureSkew is how far in the future an action timestamp may lie
	// before it is rejected as implausible. Covers client clock drift.
	MaxFutureSkew time.Duration `koanf:"max_future_skew"`

	// PublishRetries bounds publish attempts before the caller gets a
	// transient error.
	PublishRetries int `koanf:"publish_retries"`

	// PublishBackoff is the initial retry backoff; doubles per attempt.
	PublishBackoff time.Duration `koanf:"publish_backoff"`

	// PublishTimeout bounds a single publish acknowledgment wait.
	PublishTimeout time.Duration `koanf:"publish_timeout"`
}

// EngineConfig holds aggregation engine settings.
type EngineConfig struct {
	// Epsilon is the minimum score change that triggers a similarity
	// emission. Suppresses float-noise updates downstream.
	Epsilon float64 `koanf:"epsilon"`

	// Shards is the lock-stripe count of the aggregate state store.
	Shards int `koanf:"shards"`

	// DLQMaxRetries bounds reprocessing of a failed message before it is
	// dropped as unprocessable.
	DLQMaxRetries int `koanf:"dlq_max_retries"`

	// DLQMaxEntries caps the in-memory dead-letter buffer.
	DLQMaxEntries int `koanf:"dlq_max_entries"`
}

// StoreConfig holds the materialized-view store settings.
type StoreConfig struct {
	// Path is the badger database directory.
	Path string `koanf:"path"`

	// InMemory runs badger without disk persistence. Tests only.
	InMemory bool `koanf:"in_memory"`

	// DefaultLimit is the result count when a query omits max_results.
	DefaultLimit int `koanf:"default_limit"`

	// MaxLimit caps max_results on any query.
	MaxLimit int `koanf:"max_limit"`

	// CacheTTL bounds how long ranked query results are served from the
	// in-memory cache. Zero disables caching.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for inconsistencies. It is called after
// loading, so a bad deployment fails at startup rather than mid-pipeline.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.Partitions <= 0 {
		return fmt.Errorf("nats.partitions must be positive, got %d", c.NATS.Partitions)
	}
	if c.NATS.MaxDeliver <= 0 {
		return fmt.Errorf("nats.max_deliver must be positive, got %d", c.NATS.MaxDeliver)
	}
	if c.Gateway.MaxFutureSkew < 0 {
		return fmt.Errorf("gateway.max_future_skew must not be negative")
	}
	if c.Gateway.PublishRetries < 0 {
		return fmt.Errorf("gateway.publish_retries must not be negative")
	}
	if c.Engine.Epsilon < 0 || c.Engine.Epsilon >= 1 {
		return fmt.Errorf("engine.epsilon must be in [0,1), got %g", c.Engine.Epsilon)
	}
	if c.Engine.Shards <= 0 {
		return fmt.Errorf("engine.shards must be positive, got %d", c.Engine.Shards)
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if c.Store.DefaultLimit <= 0 || c.Store.MaxLimit < c.Store.DefaultLimit {
		return fmt.Errorf("store limits invalid: default=%d max=%d",
			c.Store.DefaultLimit, c.Store.MaxLimit)
	}
	return nil
}
