// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"testing"
	"time"
)

func TestSerializerAction(t *testing.T) {
	s := NewSerializer()
	action := NewUserAction(42, 7, ActionRegister, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))

	data, err := s.MarshalAction(action)
	if err != nil {
		t.Fatalf("MarshalAction() error: %v", err)
	}

	got, err := s.UnmarshalAction(data)
	if err != nil {
		t.Fatalf("UnmarshalAction() error: %v", err)
	}

	if got.ActionID != action.ActionID || got.UserID != 42 || got.EventID != 7 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Type != ActionRegister {
		t.Errorf("Type = %q, want %q", got.Type, ActionRegister)
	}
	if !got.Timestamp.Equal(action.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, action.Timestamp)
	}
}

func TestSerializerRejectsInvalidBeforeMarshal(t *testing.T) {
	s := NewSerializer()

	if _, err := s.MarshalAction(&UserAction{UserID: -1}); err == nil {
		t.Error("expected error marshaling invalid action")
	}
	if _, err := s.MarshalSimilarity(&EventSimilarity{EventA: 2, EventB: 1, Score: 0.5}); err == nil {
		t.Error("expected error marshaling inverted pair")
	}
}

func TestSerializerUnknownFieldsIgnored(t *testing.T) {
	// Additive schema evolution: a newer producer may add fields.
	s := NewSerializer()
	payload := []byte(`{"schema_version":1,"action_id":"abc","user_id":1,"event_id":2,` +
		`"action_type":"like","timestamp":"2026-03-15T10:00:00Z","future_field":"x"}`)

	action, err := s.UnmarshalAction(payload)
	if err != nil {
		t.Fatalf("UnmarshalAction() error: %v", err)
	}
	if action.UserID != 1 || action.Type != ActionLike {
		t.Errorf("unexpected action: %+v", action)
	}
}

func TestSerializerMalformedPayload(t *testing.T) {
	s := NewSerializer()
	if _, err := s.UnmarshalAction([]byte("{not json")); err == nil {
		t.Error("expected error for malformed action payload")
	}
	if _, err := s.UnmarshalSimilarity([]byte("[]")); err == nil {
		t.Error("expected error for wrong-shape similarity payload")
	}
}

func TestCheckSchemaCompatibility(t *testing.T) {
	if err := CheckSchemaCompatibility(1); err != nil {
		t.Errorf("version 1 should be compatible: %v", err)
	}
	if err := CheckSchemaCompatibility(0); err == nil {
		t.Error("version 0 should be rejected")
	}
	if err := CheckSchemaCompatibility(SchemaVersion + 1); err == nil {
		t.Error("future version should be rejected")
	}
}
