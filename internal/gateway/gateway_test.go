// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/mkraev/affinity/internal/stream"
)

func newTestGateway(t *testing.T) (*Gateway, *gochannel.GoChannel) {
	t.Helper()
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })

	pub := stream.NewPublisherFromWatermill(ch, watermill.NopLogger{})
	gw, err := New(pub, DefaultConfig(16))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return gw, ch
}

func TestCollectUserAction(t *testing.T) {
	gw, ch := newTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// User 5 maps to partition 5 of 16.
	messages, err := ch.Subscribe(ctx, "actions.5")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	action, err := gw.CollectUserAction(ctx, &ActionRequest{
		UserID:     5,
		EventID:    9,
		ActionType: "like",
	})
	if err != nil {
		t.Fatalf("CollectUserAction() error: %v", err)
	}

	if action.ActionID == "" {
		t.Error("expected generated action ID")
	}
	if action.Timestamp.IsZero() {
		t.Error("expected stamped timestamp")
	}
	if action.Type != stream.ActionLike {
		t.Errorf("Type = %q, want like", action.Type)
	}

	select {
	case msg := <-messages:
		got, err := stream.NewSerializer().UnmarshalAction(msg.Payload)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ActionID != action.ActionID {
			t.Errorf("published action ID %q, want %q", got.ActionID, action.ActionID)
		}
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("action was not published")
	}
}

func TestCollectUserActionValidation(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ActionRequest
	}{
		{"missing user", ActionRequest{EventID: 1, ActionType: "view"}},
		{"negative user", ActionRequest{UserID: -2, EventID: 1, ActionType: "view"}},
		{"missing event", ActionRequest{UserID: 1, ActionType: "view"}},
		{"missing type", ActionRequest{UserID: 1, EventID: 1}},
		{"unknown type", ActionRequest{UserID: 1, EventID: 1, ActionType: "share"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.CollectUserAction(ctx, &tt.req)
			var invalid *InvalidRequestError
			if !errors.As(err, &invalid) {
				t.Errorf("expected InvalidRequestError, got %v", err)
			}
		})
	}
}

func TestCollectUserActionFutureTimestamp(t *testing.T) {
	gw, _ := newTestGateway(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return now }

	// Inside the skew window: accepted.
	action, err := gw.CollectUserAction(context.Background(), &ActionRequest{
		UserID: 1, EventID: 2, ActionType: "view",
		Timestamp: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("timestamp within skew rejected: %v", err)
	}
	if !action.Timestamp.Equal(now.Add(time.Minute)) {
		t.Errorf("client timestamp not preserved: %v", action.Timestamp)
	}

	// Beyond the skew window: rejected.
	_, err = gw.CollectUserAction(context.Background(), &ActionRequest{
		UserID: 1, EventID: 2, ActionType: "view",
		Timestamp: now.Add(time.Hour),
	})
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidRequestError for far-future timestamp, got %v", err)
	}
}

func TestCollectUserActionStampsReceiptTime(t *testing.T) {
	gw, _ := newTestGateway(t)
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return now }

	action, err := gw.CollectUserAction(context.Background(), &ActionRequest{
		UserID: 1, EventID: 2, ActionType: "register",
	})
	if err != nil {
		t.Fatalf("CollectUserAction() error: %v", err)
	}
	if !action.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want receipt time %v", action.Timestamp, now)
	}
}

// failingPublisher fails a fixed number of publishes before succeeding.
type failingPublisher struct {
	failures  int
	attempts  int
	delegated message.Publisher
}

func (f *failingPublisher) Publish(topic string, messages ...*message.Message) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("connection reset")
	}
	if f.delegated != nil {
		return f.delegated.Publish(topic, messages...)
	}
	return nil
}

func (f *failingPublisher) Close() error { return nil }

func TestCollectUserActionRetriesTransientFailures(t *testing.T) {
	fp := &failingPublisher{failures: 2}
	pub := stream.NewPublisherFromWatermill(fp, watermill.NopLogger{})

	cfg := DefaultConfig(16)
	cfg.PublishBackoff = time.Millisecond
	gw, err := New(pub, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = gw.CollectUserAction(context.Background(), &ActionRequest{
		UserID: 1, EventID: 2, ActionType: "view",
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if fp.attempts != 3 {
		t.Errorf("attempts = %d, want 3", fp.attempts)
	}
}

func TestCollectUserActionExhaustedRetries(t *testing.T) {
	fp := &failingPublisher{failures: 100}
	pub := stream.NewPublisherFromWatermill(fp, watermill.NopLogger{})

	cfg := DefaultConfig(16)
	cfg.PublishRetries = 2
	cfg.PublishBackoff = time.Millisecond
	gw, err := New(pub, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	_, err = gw.CollectUserAction(context.Background(), &ActionRequest{
		UserID: 1, EventID: 2, ActionType: "view",
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if fp.attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", fp.attempts)
	}
}

func TestNewGatewayValidation(t *testing.T) {
	if _, err := New(nil, DefaultConfig(4)); err == nil {
		t.Error("expected error for nil publisher")
	}

	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer ch.Close()
	pub := stream.NewPublisherFromWatermill(ch, watermill.NopLogger{})
	if _, err := New(pub, Config{Partitions: 0}); err == nil {
		t.Error("expected error for zero partitions")
	}
}
