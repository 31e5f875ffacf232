// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamContext is the subset of jetstream.JetStream used by Initializer.
// Tests substitute a mock.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	DeleteConsumer(ctx context.Context, stream string, consumer string) error
}

// Initializer provisions JetStream streams before publishers and
// subscribers start, so messages are never published into a void.
// EnsureStream is idempotent: it creates the stream if missing and updates
// the configuration if it already exists.
type Initializer struct {
	js     JetStreamContext
	config StreamConfig
}

// NewInitializer creates a stream initializer.
func NewInitializer(js JetStreamContext, cfg *StreamConfig) (*Initializer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("stream config required")
	}
	return &Initializer{js: js, config: *cfg}, nil
}

// EnsureStream creates or updates the stream with the configured settings.
func (s *Initializer) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:              s.config.Name,
		Subjects:          s.config.Subjects,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            s.config.MaxAge,
		MaxBytes:          s.config.MaxBytes,
		MaxMsgsPerSubject: s.config.MaxMsgsPerSubject,
		Duplicates:        s.config.DuplicateWindow,
		Replicas:          s.config.Replicas,
		Storage:           jetstream.FileStorage,
		AllowDirect:       true,
		Discard:           jetstream.DiscardOld,
		AllowRollup:       true,
	}

	_, err := s.js.Stream(ctx, s.config.Name)
	if err == nil {
		stream, err := s.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", s.config.Name, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := s.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", s.config.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", s.config.Name, err)
}

// ResetConsumer deletes a durable consumer so the next subscriber starts
// from the stream's first message. A consumer whose durable survived a
// crash keeps its ack floor; resuming there against empty in-memory state
// would compute every subsequent score from zeroed aggregates. A missing
// consumer is not an error.
func (s *Initializer) ResetConsumer(ctx context.Context, durable string) error {
	if durable == "" {
		return fmt.Errorf("durable name required")
	}
	err := s.js.DeleteConsumer(ctx, s.config.Name, durable)
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("delete consumer %s on %s: %w", durable, s.config.Name, err)
	}
	return nil
}

// IsHealthy reports whether the stream exists and is reachable.
func (s *Initializer) IsHealthy(ctx context.Context) bool {
	_, err := s.js.Stream(ctx, s.config.Name)
	return err == nil
}

// Config returns the provisioning configuration.
func (s *Initializer) Config() StreamConfig {
	return s.config
}
