// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mkraev/affinity/internal/metrics"
)

// Publisher wraps a Watermill NATS publisher with reconnection handling and
// optional circuit breaker protection.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[any]
	serializer     *Serializer
	mu             sync.RWMutex
	closed         bool
	logger         watermill.LoggerAdapter
}

// NewPublisher creates a resilient JetStream publisher. Message IDs are
// tracked so broker-level deduplication collapses redelivered publishes.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // streams are pre-created by Initializer
			TrackMsgId:    cfg.EnableTrackMsgID,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Publisher{
		publisher:  pub,
		serializer: NewSerializer(),
		logger:     logger,
	}, nil
}

// NewPublisherFromWatermill wraps an existing watermill publisher. Tests use
// this with the in-memory gochannel transport.
func NewPublisherFromWatermill(pub message.Publisher, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	return &Publisher{
		publisher:  pub,
		serializer: NewSerializer(),
		logger:     logger,
	}
}

// SetCircuitBreaker configures the circuit breaker for publish operations.
func (p *Publisher) SetCircuitBreaker(cb *gobreaker.CircuitBreaker[any]) {
	p.circuitBreaker = cb
}

// Publish sends a message to the given topic. The message UUID becomes the
// Nats-Msg-Id for deduplication unless one is already set.
func (p *Publisher) Publish(ctx context.Context, topic string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	var err error
	if p.circuitBreaker != nil {
		_, err = p.circuitBreaker.Execute(func() (any, error) {
			return nil, p.publisher.Publish(topic, msg)
		})
	} else {
		err = p.publisher.Publish(topic, msg)
	}

	return err
}

// PublishAction serializes and publishes a user action onto its partition
// subject.
func (p *Publisher) PublishAction(ctx context.Context, action *UserAction, partitions int) error {
	data, err := p.serializer.MarshalAction(action)
	if err != nil {
		return NewPermanentError("serialize action", err)
	}

	msg := message.NewMessage(action.ActionID, data)
	msg.Metadata.Set("user_id", fmt.Sprintf("%d", action.UserID))
	msg.Metadata.Set("action_type", string(action.Type))

	if err := p.Publish(ctx, action.Topic(partitions), msg); err != nil {
		return err
	}

	metrics.RecordStreamPublish(ActionStreamName)
	return nil
}

// PublishSimilarity serializes and publishes a similarity snapshot onto its
// pair subject. The pair key is the message UUID, so the broker keeps at
// most one in-flight duplicate per pair inside the dedup window and
// compaction retains only the newest score.
func (p *Publisher) PublishSimilarity(ctx context.Context, sim *EventSimilarity) error {
	data, err := p.serializer.MarshalSimilarity(sim)
	if err != nil {
		return NewPermanentError("serialize similarity", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("pair_key", sim.Key())

	if err := p.Publish(ctx, sim.Topic(), msg); err != nil {
		return err
	}

	metrics.RecordStreamPublish(SimilarityStreamName)
	metrics.SimilarityEmitted.Inc()
	return nil
}

// Close gracefully shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.publisher.Close()
}
