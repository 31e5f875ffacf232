// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer handles wire encoding/decoding for stream messages.
// Payloads are validated before marshal so malformed records never reach
// the broker.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// MarshalAction converts a user action to JSON bytes.
func (s *Serializer) MarshalAction(action *UserAction) ([]byte, error) {
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("validate action: %w", err)
	}

	data, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return data, nil
}

// UnmarshalAction converts JSON bytes to a user action.
// Unknown fields are ignored, which is what makes additive schema
// evolution safe.
func (s *Serializer) UnmarshalAction(data []byte) (*UserAction, error) {
	var action UserAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	return &action, nil
}

// MarshalSimilarity converts a similarity record to JSON bytes.
func (s *Serializer) MarshalSimilarity(sim *EventSimilarity) ([]byte, error) {
	if err := sim.Validate(); err != nil {
		return nil, fmt.Errorf("validate similarity: %w", err)
	}

	data, err := json.Marshal(sim)
	if err != nil {
		return nil, fmt.Errorf("marshal similarity: %w", err)
	}
	return data, nil
}

// UnmarshalSimilarity converts JSON bytes to a similarity record.
func (s *Serializer) UnmarshalSimilarity(data []byte) (*EventSimilarity, error) {
	var sim EventSimilarity
	if err := json.Unmarshal(data, &sim); err != nil {
		return nil, fmt.Errorf("unmarshal similarity: %w", err)
	}
	return &sim, nil
}

// CheckSchemaCompatibility verifies at startup that the compiled-in schema
// version is one this build knows how to read. It guards against a rollback
// deploy consuming messages written by a newer, incompatible producer.
func CheckSchemaCompatibility(version int) error {
	if version < 1 || version > SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (supported: 1..%d)", version, SchemaVersion)
	}
	return nil
}
