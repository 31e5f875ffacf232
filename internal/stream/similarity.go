// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"strconv"
	"time"
)

// EventSimilarity is the published snapshot of one event pair's score.
// EventA < EventB always holds; construct values through NewEventSimilarity
// so the ordering is enforced at every write.
type EventSimilarity struct {
	// SchemaVersion tracks the wire format version (default: 1).
	SchemaVersion int `json:"schema_version,omitempty"`

	EventA    int64     `json:"event_a"`
	EventB    int64     `json:"event_b"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEventSimilarity creates a similarity record with canonical pair
// ordering: the smaller event identifier is always EventA.
func NewEventSimilarity(eventA, eventB int64, score float64, ts time.Time) *EventSimilarity {
	if eventB < eventA {
		eventA, eventB = eventB, eventA
	}
	return &EventSimilarity{
		SchemaVersion: SchemaVersion,
		EventA:        eventA,
		EventB:        eventB,
		Score:         score,
		Timestamp:     ts.UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1.
func (s *EventSimilarity) GetSchemaVersion() int {
	if s.SchemaVersion == 0 {
		return 1
	}
	return s.SchemaVersion
}

// Validate checks pair ordering and score bounds.
func (s *EventSimilarity) Validate() error {
	if s.EventA <= 0 || s.EventB <= 0 {
		return &ValidationError{Field: "event", Message: "identifiers must be positive"}
	}
	if s.EventA >= s.EventB {
		return &ValidationError{Field: "event_a", Message: "pair must satisfy event_a < event_b"}
	}
	if s.Score < 0 || s.Score > 1 {
		return &ValidationError{Field: "score", Message: "must be in [0,1]"}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// Key returns the canonical pair key "<min>:<max>" used for persistence and
// message identity.
func (s *EventSimilarity) Key() string {
	return PairKey(s.EventA, s.EventB)
}

// Topic returns the similarity-stream subject for this pair.
// One subject per pair plus MaxMsgsPerSubject=1 on the stream gives
// log-compaction semantics: the transport retains only the latest score.
func (s *EventSimilarity) Topic() string {
	return SimilarityTopicPrefix + strconv.FormatInt(s.EventA, 10) + "." + strconv.FormatInt(s.EventB, 10)
}

// PairKey returns "<min>:<max>" for any two event identifiers.
func PairKey(a, b int64) string {
	if b < a {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

// Similarity-stream naming.
const (
	// SimilarityStreamName is the compacted JetStream stream of pair scores.
	SimilarityStreamName = "AFFINITY_SIMILARITY"

	// SimilarityTopicPrefix prefixes all pair subjects.
	SimilarityTopicPrefix = "similarity."

	// SimilarityTopicWildcard matches every pair subject.
	SimilarityTopicWildcard = "similarity.>"
)
