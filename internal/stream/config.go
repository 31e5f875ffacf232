// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import "time"

// PublisherConfig holds settings for the resilient NATS publisher.
type PublisherConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// MaxReconnects bounds reconnection attempts (-1 = retry forever).
	MaxReconnects int

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration

	// ReconnectBuffer is the size of the outgoing buffer during reconnect.
	ReconnectBuffer int

	// EnableTrackMsgID turns on JetStream Nats-Msg-Id deduplication.
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns production defaults.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds settings for a durable JetStream subscriber.
type SubscriberConfig struct {
	// URL is the NATS server connection URL.
	URL string

	// StreamName binds the subscriber to an existing stream. Required for
	// wildcard topics: stream names cannot contain wildcards, so
	// auto-provisioning from the topic name would fail.
	StreamName string

	// DurableName is the durable consumer name prefix.
	DurableName string

	// QueueGroup load-balances message delivery across instances that
	// share the group name.
	QueueGroup string

	// SubscribersCount is the number of concurrent message pullers per
	// subscription. Keep at 1 for partition subscriptions where per-user
	// ordering matters; the partition key already provides parallelism
	// across partitions.
	SubscribersCount int

	MaxReconnects  int
	ReconnectWait  time.Duration
	AckWaitTimeout time.Duration
	CloseTimeout   time.Duration

	// MaxDeliver bounds broker-side redelivery of an unacked message.
	MaxDeliver int

	// MaxAckPending bounds in-flight unacked messages.
	MaxAckPending int

	// DeliverAll replays the stream from its first message instead of only
	// new ones. Used for state rebuild.
	DeliverAll bool
}

// DefaultSubscriberConfig returns production defaults.
func DefaultSubscriberConfig(url, streamName, durable, queueGroup string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		StreamName:       streamName,
		DurableName:      durable,
		QueueGroup:       queueGroup,
		SubscribersCount: 1,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1024,
	}
}

// StreamConfig describes one JetStream stream to provision.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects captured by the stream.
	Subjects []string

	// MaxAge bounds message retention (0 = unlimited).
	MaxAge time.Duration

	// MaxBytes bounds stream storage (0 = unlimited).
	MaxBytes int64

	// MaxMsgsPerSubject caps retained messages per subject. Setting it to 1
	// gives log-compaction semantics: only the latest message per subject
	// survives.
	MaxMsgsPerSubject int64

	// DuplicateWindow is the Nats-Msg-Id deduplication window.
	DuplicateWindow time.Duration

	// Replicas is the stream replication factor.
	Replicas int
}

// ActionStreamConfig returns the provisioning config for the action stream:
// partitioned by user, retention bounded by age, broker-level dedup inside
// the duplicate window.
func ActionStreamConfig(maxAge, duplicateWindow time.Duration) StreamConfig {
	return StreamConfig{
		Name:            ActionStreamName,
		Subjects:        []string{ActionTopicWildcard},
		MaxAge:          maxAge,
		DuplicateWindow: duplicateWindow,
		Replicas:        1,
	}
}

// SimilarityStreamConfig returns the provisioning config for the similarity
// stream: one subject per pair, compacted to the latest score.
func SimilarityStreamConfig(duplicateWindow time.Duration) StreamConfig {
	return StreamConfig{
		Name:              SimilarityStreamName,
		Subjects:          []string{SimilarityTopicWildcard},
		MaxMsgsPerSubject: 1,
		DuplicateWindow:   duplicateWindow,
		Replicas:          1,
	}
}
