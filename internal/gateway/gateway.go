// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package gateway validates incoming user actions and hands them to the
// action stream. Acceptance means durably published, not processed: the
// aggregation pipeline runs asynchronously behind the stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/metrics"
	"github.com/mkraev/affinity/internal/stream"
)

// ActionRequest is one interaction submission.
type ActionRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	EventID    int64  `json:"event_id" validate:"required,gt=0"`
	ActionType string `json:"action_type" validate:"required,oneof=view register like"`

	// Timestamp is optional; when omitted the gateway stamps receipt time.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Config holds gateway settings.
type Config struct {
	// Partitions is the action-stream partition count; must match the
	// consumer side or per-user ordering breaks.
	Partitions int

	// MaxFutureSkew bounds how far ahead of the gateway clock a client
	// timestamp may lie before the action is rejected.
	MaxFutureSkew time.Duration

	// PublishRetries bounds publish attempts before giving up.
	PublishRetries int

	// PublishBackoff is the initial retry delay; doubles per attempt.
	PublishBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(partitions int) Config {
	return Config{
		Partitions:     partitions,
		MaxFutureSkew:  5 * time.Minute,
		PublishRetries: 3,
		PublishBackoff: 50 * time.Millisecond,
	}
}

// ErrUnavailable is returned when the action stream cannot accept the
// publish after all retries. The client should retry later.
var ErrUnavailable = errors.New("action stream unavailable")

// InvalidRequestError reports a request that failed validation.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid action request: " + e.Reason
}

// Gateway is the ingestion entry point.
type Gateway struct {
	publisher *stream.Publisher
	validate  *validator.Validate
	config    Config

	// now is swappable for clock-skew tests.
	now func() time.Time
}

// New creates a gateway publishing to the given action-stream publisher.
func New(publisher *stream.Publisher, cfg Config) (*Gateway, error) {
	if publisher == nil {
		return nil, errors.New("publisher required")
	}
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("partitions must be positive, got %d", cfg.Partitions)
	}
	return &Gateway{
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		config:    cfg,
		now:       time.Now,
	}, nil
}

// CollectUserAction validates a submission and publishes it onto the action
// stream. On success the returned action carries the generated action ID and
// the effective timestamp. Validation failures return InvalidRequestError;
// exhausted publish retries return ErrUnavailable.
func (g *Gateway) CollectUserAction(ctx context.Context, req *ActionRequest) (*stream.UserAction, error) {
	if err := g.validate.Struct(req); err != nil {
		metrics.RecordActionRejected("validation")
		return nil, &InvalidRequestError{Reason: validationReason(err)}
	}

	now := g.now()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	} else if g.config.MaxFutureSkew > 0 && ts.After(now.Add(g.config.MaxFutureSkew)) {
		metrics.RecordActionRejected("future_timestamp")
		return nil, &InvalidRequestError{
			Reason: fmt.Sprintf("timestamp %s is too far in the future", ts.Format(time.RFC3339)),
		}
	}

	action := stream.NewUserAction(req.UserID, req.EventID, stream.ActionType(req.ActionType), ts)

	if err := g.publishWithRetry(ctx, action); err != nil {
		metrics.ActionPublishFailures.Inc()
		logging.Error().
			Err(err).
			Int64("user_id", action.UserID).
			Int64("event_id", action.EventID).
			Msg("Action publish failed after retries")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.RecordActionReceived(req.ActionType)
	logging.Debug().
		Str("action_id", action.ActionID).
		Int64("user_id", action.UserID).
		Int64("event_id", action.EventID).
		Str("action_type", req.ActionType).
		Msg("Action accepted")

	return action, nil
}

// publishWithRetry publishes with bounded exponential backoff. Permanent
// errors short-circuit: retrying a serialization failure cannot succeed.
func (g *Gateway) publishWithRetry(ctx context.Context, action *stream.UserAction) error {
	backoff := g.config.PublishBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.PublishRetries; attempt++ {
		if attempt > 0 {
			metrics.ActionPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = g.publisher.PublishAction(ctx, action, g.config.Partitions)
		if lastErr == nil {
			return nil
		}
		if stream.IsPermanentError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// validationReason flattens validator field errors into one message.
func validationReason(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldName(fe.Field()))
	case "gt":
		return fmt.Sprintf("%s must be positive", fieldName(fe.Field()))
	case "oneof":
		return fmt.Sprintf("%s must be one of: view, register, like", fieldName(fe.Field()))
	default:
		return fmt.Sprintf("%s is invalid", fieldName(fe.Field()))
	}
}

func fieldName(structField string) string {
	switch structField {
	case "UserID":
		return "user_id"
	case "EventID":
		return "event_id"
	case "ActionType":
		return "action_type"
	case "Timestamp":
		return "timestamp"
	default:
		return structField
	}
}
