// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package store

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/metrics"
	"github.com/mkraev/affinity/internal/stream"
)

// SimilarityConsumer folds the compacted similarity stream into the store.
type SimilarityConsumer struct {
	store      *Store
	subscriber *stream.Subscriber
	serializer *stream.Serializer
	dlq        *stream.DLQ
}

// NewSimilarityConsumer creates a consumer over the similarity stream.
func NewSimilarityConsumer(st *Store, subscriber *stream.Subscriber, dlq *stream.DLQ) (*SimilarityConsumer, error) {
	if st == nil {
		return nil, errors.New("store required")
	}
	if subscriber == nil {
		return nil, errors.New("subscriber required")
	}
	return &SimilarityConsumer{
		store:      st,
		subscriber: subscriber,
		serializer: stream.NewSerializer(),
		dlq:        dlq,
	}, nil
}

// Run consumes pair scores until context cancellation. Stale updates are
// discarded inside the upsert, so redelivery order does not matter.
func (c *SimilarityConsumer) Run(ctx context.Context) error {
	logging.Info().
		Str("topic", stream.SimilarityTopicWildcard).
		Msg("Similarity consumer starting")

	return c.subscriber.
		NewMessageHandler(stream.SimilarityTopicWildcard).
		Handle(c.handle).
		Run(ctx)
}

func (c *SimilarityConsumer) handle(ctx context.Context, msg *message.Message) error {
	metrics.RecordStreamConsumed(stream.SimilarityStreamName, "store")

	sim, err := c.serializer.UnmarshalSimilarity(msg.Payload)
	if err != nil {
		return c.deadLetter(msg, stream.NewPermanentError("unmarshal similarity", err))
	}
	if err := stream.CheckSchemaCompatibility(sim.GetSchemaVersion()); err != nil {
		return c.deadLetter(msg, stream.NewPermanentError("incompatible similarity schema", err))
	}

	if err := c.store.UpsertSimilarity(ctx, sim); err != nil {
		if stream.IsPermanentError(err) {
			return c.deadLetter(msg, err)
		}
		return err
	}
	return nil
}

func (c *SimilarityConsumer) deadLetter(msg *message.Message, err error) error {
	if c.dlq != nil {
		c.dlq.Add(msg.UUID, stream.SimilarityTopicWildcard, msg.Payload, err)
	}
	logging.Warn().
		Err(err).
		Str("message_uuid", msg.UUID).
		Msg("Similarity dead-lettered")
	return err
}

// ActionConsumer folds the action stream into the user weight view, which
// GetRecommendationsForUser reads. It runs independently of the engine's
// partition workers under its own durable consumer name.
type ActionConsumer struct {
	store      *Store
	subscriber *stream.Subscriber
	serializer *stream.Serializer
	dlq        *stream.DLQ
}

// NewActionConsumer creates a consumer over the full action stream.
func NewActionConsumer(st *Store, subscriber *stream.Subscriber, dlq *stream.DLQ) (*ActionConsumer, error) {
	if st == nil {
		return nil, errors.New("store required")
	}
	if subscriber == nil {
		return nil, errors.New("subscriber required")
	}
	return &ActionConsumer{
		store:      st,
		subscriber: subscriber,
		serializer: stream.NewSerializer(),
		dlq:        dlq,
	}, nil
}

// Run consumes user actions until context cancellation. The weight view is
// a running maximum, so replay and redelivery converge to the same state.
func (c *ActionConsumer) Run(ctx context.Context) error {
	logging.Info().
		Str("topic", stream.ActionTopicWildcard).
		Msg("Action consumer starting")

	return c.subscriber.
		NewMessageHandler(stream.ActionTopicWildcard).
		Handle(c.handle).
		Run(ctx)
}

func (c *ActionConsumer) handle(ctx context.Context, msg *message.Message) error {
	metrics.RecordStreamConsumed(stream.ActionStreamName, "store")

	action, err := c.serializer.UnmarshalAction(msg.Payload)
	if err != nil {
		return c.deadLetter(msg, stream.NewPermanentError("unmarshal action", err))
	}
	if err := stream.CheckSchemaCompatibility(action.GetSchemaVersion()); err != nil {
		return c.deadLetter(msg, stream.NewPermanentError("incompatible action schema", err))
	}

	if err := c.store.ApplyAction(ctx, action); err != nil {
		if stream.IsPermanentError(err) {
			return c.deadLetter(msg, err)
		}
		return err
	}
	return nil
}

func (c *ActionConsumer) deadLetter(msg *message.Message, err error) error {
	if c.dlq != nil {
		c.dlq.Add(msg.UUID, stream.ActionTopicWildcard, msg.Payload, err)
	}
	logging.Warn().
		Err(err).
		Str("message_uuid", msg.UUID).
		Msg("Action dead-lettered at store")
	return err
}
