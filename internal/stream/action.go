// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package stream defines the wire types and NATS JetStream transports of the
// affinity pipeline: the partitioned action stream and the compacted
// similarity stream.
package stream

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current wire schema version for both message types.
// Schema evolution is additive-only; consumers must accept unknown fields
// and treat a missing version as 1.
const SchemaVersion = 1

// ActionType classifies a user interaction with an event.
type ActionType string

// Known action types, ordered by engagement level.
const (
	ActionView     ActionType = "view"
	ActionRegister ActionType = "register"
	ActionLike     ActionType = "like"
)

// actionWeights maps each action type to its fixed interest weight.
// Weights strictly increase with engagement level and stay within [0,1] so
// that similarity scores stay within [0,1].
var actionWeights = map[ActionType]float64{
	ActionView:     0.4,
	ActionRegister: 0.8,
	ActionLike:     1.0,
}

// Weight returns the fixed interest weight for the action type.
// Unknown types weigh 0.
func (t ActionType) Weight() float64 {
	return actionWeights[t]
}

// Valid reports whether the action type is one of the known constants.
func (t ActionType) Valid() bool {
	_, ok := actionWeights[t]
	return ok
}

// UserAction is one observed interaction, the append-only input of the
// pipeline. It is created at ingestion and never mutated.
type UserAction struct {
	// SchemaVersion tracks the wire format version (default: 1).
	SchemaVersion int `json:"schema_version,omitempty"`

	// ActionID uniquely identifies this submission. It doubles as the
	// Nats-Msg-Id so broker-level deduplication can collapse redeliveries
	// inside the duplicate window.
	ActionID string `json:"action_id"`

	UserID    int64      `json:"user_id"`
	EventID   int64      `json:"event_id"`
	Type      ActionType `json:"action_type"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewUserAction creates an action with a unique ID and the current schema
// version. The timestamp is normalized to UTC.
func NewUserAction(userID, eventID int64, actionType ActionType, ts time.Time) *UserAction {
	return &UserAction{
		SchemaVersion: SchemaVersion,
		ActionID:      uuid.New().String(),
		UserID:        userID,
		EventID:       eventID,
		Type:          actionType,
		Timestamp:     ts.UTC(),
	}
}

// GetSchemaVersion returns the schema version, defaulting to 1 for payloads
// produced before versioning.
func (a *UserAction) GetSchemaVersion() int {
	if a.SchemaVersion == 0 {
		return 1
	}
	return a.SchemaVersion
}

// Validate checks required fields.
func (a *UserAction) Validate() error {
	if a.ActionID == "" {
		return &ValidationError{Field: "action_id", Message: "required"}
	}
	if a.UserID <= 0 {
		return &ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if a.EventID <= 0 {
		return &ValidationError{Field: "event_id", Message: "must be positive"}
	}
	if !a.Type.Valid() {
		return &ValidationError{Field: "action_type", Message: "unknown type " + string(a.Type)}
	}
	if a.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	return nil
}

// Weight returns the interest weight of this action.
func (a *UserAction) Weight() float64 {
	return a.Type.Weight()
}

// Partition maps the acting user onto one of n partition subjects. All
// actions of one user land in the same partition, so a single consumer sees
// them in order and per-user locking is unnecessary.
func (a *UserAction) Partition(n int) int {
	if n <= 0 {
		return 0
	}
	return int(a.UserID % int64(n))
}

// Topic returns the action-stream subject for this action given the
// configured partition count. Format: actions.<partition>.
func (a *UserAction) Topic(partitions int) string {
	return ActionPartitionTopic(a.Partition(partitions))
}

// ActionPartitionTopic returns the subject of one action-stream partition.
func ActionPartitionTopic(partition int) string {
	return ActionTopicPrefix + strconv.Itoa(partition)
}

// Action-stream naming.
const (
	// ActionStreamName is the JetStream stream holding user actions.
	ActionStreamName = "AFFINITY_ACTIONS"

	// ActionTopicPrefix prefixes all partition subjects.
	ActionTopicPrefix = "actions."

	// ActionTopicWildcard matches every partition subject.
	ActionTopicWildcard = "actions.>"
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
