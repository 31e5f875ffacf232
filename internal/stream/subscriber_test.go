// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestMessageHandlerAcksOnSuccess(t *testing.T) {
	pub, sub := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var handled atomic.Int64
	handler := sub.NewMessageHandler("actions.0").Handle(
		func(ctx context.Context, msg *message.Message) error {
			handled.Add(1)
			cancel()
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- handler.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	action := NewUserAction(16, 1, ActionView, time.Now())
	if err := pub.PublishAction(ctx, action, 16); err != nil {
		t.Fatalf("PublishAction() error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop")
	}

	if handled.Load() != 1 {
		t.Errorf("handled %d messages, want 1", handled.Load())
	}
}

func TestMessageHandlerNacksRetryable(t *testing.T) {
	pub, sub := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fail the first delivery; the nack triggers redelivery on the
	// in-memory transport and the second attempt succeeds.
	var attempts atomic.Int64
	handler := sub.NewMessageHandler("actions.1").Handle(
		func(ctx context.Context, msg *message.Message) error {
			if attempts.Add(1) == 1 {
				return NewRetryableError("broker connection reset", nil)
			}
			cancel()
			return nil
		})

	go func() { _ = handler.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	action := NewUserAction(17, 1, ActionView, time.Now())
	if err := pub.PublishAction(ctx, action, 16); err != nil {
		t.Fatalf("PublishAction() error: %v", err)
	}

	<-ctx.Done()
	if attempts.Load() < 2 {
		t.Errorf("attempts = %d, want redelivery after nack", attempts.Load())
	}
}

func TestMessageHandlerAcksPermanent(t *testing.T) {
	pub, sub := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A permanent failure is acked, not redelivered: the message cannot
	// ever succeed and must not stall the partition.
	var attempts atomic.Int64
	handler := sub.NewMessageHandler("actions.2").Handle(
		func(ctx context.Context, msg *message.Message) error {
			attempts.Add(1)
			return NewPermanentError("unmarshal action", errors.New("bad json"))
		})

	go func() { _ = handler.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	action := NewUserAction(18, 1, ActionView, time.Now())
	if err := pub.PublishAction(ctx, action, 16); err != nil {
		t.Fatalf("PublishAction() error: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	cancel()

	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want exactly 1 for permanent failure", attempts.Load())
	}
}
