// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/metrics"
	"github.com/mkraev/affinity/internal/stream"
)

// Worker owns one action-stream partition. All actions of one user arrive
// on one partition, so a single worker sees them in delivery order and the
// old-versus-new weight comparison needs no cross-process locking.
type Worker struct {
	engine     *Engine
	subscriber *stream.Subscriber
	serializer *stream.Serializer
	dlq        *stream.DLQ
	partition  int
}

// NewWorker creates a worker for the given partition.
func NewWorker(engine *Engine, subscriber *stream.Subscriber, dlq *stream.DLQ, partition int) (*Worker, error) {
	if engine == nil {
		return nil, errors.New("engine required")
	}
	if subscriber == nil {
		return nil, errors.New("subscriber required")
	}
	if partition < 0 {
		return nil, fmt.Errorf("partition must not be negative, got %d", partition)
	}
	return &Worker{
		engine:     engine,
		subscriber: subscriber,
		serializer: stream.NewSerializer(),
		dlq:        dlq,
		partition:  partition,
	}, nil
}

// Topic returns the partition subject this worker consumes.
func (w *Worker) Topic() string {
	return stream.ActionPartitionTopic(w.partition)
}

// Run consumes the partition until context cancellation. The ack is the
// offset commit: it follows the state mutation and any similarity
// emissions, giving at-least-once processing, which idempotent application
// makes safe.
func (w *Worker) Run(ctx context.Context) error {
	logging.Info().
		Int("partition", w.partition).
		Str("topic", w.Topic()).
		Msg("Partition worker starting")

	return w.subscriber.NewMessageHandler(w.Topic()).Handle(w.handle).Run(ctx)
}

func (w *Worker) handle(ctx context.Context, msg *message.Message) error {
	metrics.RecordStreamConsumed(stream.ActionStreamName, "engine")

	action, err := w.serializer.UnmarshalAction(msg.Payload)
	if err != nil {
		return w.deadLetter(msg, stream.NewPermanentError("unmarshal action", err))
	}
	if err := stream.CheckSchemaCompatibility(action.GetSchemaVersion()); err != nil {
		return w.deadLetter(msg, stream.NewPermanentError("incompatible action schema", err))
	}

	applied, emitted, err := w.engine.Process(ctx, action)
	if err != nil {
		if stream.IsPermanentError(err) {
			return w.deadLetter(msg, err)
		}
		// Transient: nack for redelivery.
		return stream.NewRetryableError("process action", err)
	}

	logging.Trace().
		Str("action_id", action.ActionID).
		Int64("user_id", action.UserID).
		Int64("event_id", action.EventID).
		Bool("applied", applied).
		Int("emitted", emitted).
		Msg("Action processed")
	return nil
}

// deadLetter records the unprocessable message and returns a permanent
// error so the handler acks it and the partition keeps moving.
func (w *Worker) deadLetter(msg *message.Message, err error) error {
	if w.dlq != nil {
		w.dlq.Add(msg.UUID, w.Topic(), msg.Payload, err)
	}
	logging.Warn().
		Err(err).
		Str("message_uuid", msg.UUID).
		Int("partition", w.partition).
		Msg("Action dead-lettered")
	return err
}
