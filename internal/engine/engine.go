// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/metrics"
	"github.com/mkraev/affinity/internal/stream"
)

// SimilarityPublisher emits pair score updates onto the similarity stream.
type SimilarityPublisher interface {
	PublishSimilarity(ctx context.Context, sim *stream.EventSimilarity) error
}

// Config holds engine settings.
type Config struct {
	// Epsilon is the minimum score change that triggers an emission.
	// Suppresses float-noise updates downstream.
	Epsilon float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Epsilon: 1e-9}
}

// Engine applies user actions to the aggregate state and emits changed
// pair scores. Safe for concurrent use: partition workers share one Engine.
type Engine struct {
	state     StateStore
	publisher SimilarityPublisher
	config    Config

	now func() time.Time
}

// New creates an engine over the given state store and publisher.
func New(state StateStore, publisher SimilarityPublisher, cfg Config) (*Engine, error) {
	if state == nil {
		return nil, errors.New("state store required")
	}
	if publisher == nil {
		return nil, errors.New("similarity publisher required")
	}
	if cfg.Epsilon < 0 {
		cfg.Epsilon = 0
	}
	return &Engine{
		state:     state,
		publisher: publisher,
		config:    cfg,
		now:       time.Now,
	}, nil
}

// Process applies one action. The weight of (user, event) is a running
// maximum, which makes the final state independent of delivery order and
// redelivery count. Returns whether the action changed state and how many
// similarity updates were emitted.
//
// Score recomputation always covers every tracked pair of the touched
// event: a weight-sum change moves the denominator of pairs whose min-sum
// this user never contributed to, and a redelivery after a failed emission
// must be able to re-emit even though the state mutation is a no-op.
func (e *Engine) Process(ctx context.Context, action *stream.UserAction) (applied bool, emitted int, err error) {
	start := e.now()
	defer func() { metrics.ObserveEngineProcess(time.Since(start)) }()

	if err := action.Validate(); err != nil {
		return false, 0, stream.NewPermanentError("invalid action", err)
	}

	userID, eventID := action.UserID, action.EventID
	wOld := e.state.UserEventWeight(userID, eventID)
	wNew := math.Max(wOld, action.Weight())

	if wNew > wOld {
		delta := wNew - wOld
		e.state.SetUserEventWeight(userID, eventID, wNew)
		e.state.AddEventWeightSum(eventID, delta)

		for otherID, otherWeight := range e.state.UserWeights(userID) {
			if otherID == eventID {
				continue
			}
			oldMin := math.Min(wOld, otherWeight)
			newMin := math.Min(wNew, otherWeight)
			if newMin != oldMin {
				e.state.AddPairMinSum(eventID, otherID, newMin-oldMin)
			} else {
				// Register the pair even when the min is unchanged, so
				// denominator-only moves keep reaching it.
				e.state.AddPairMinSum(eventID, otherID, 0)
			}
		}

		applied = true
		metrics.EngineActionsApplied.Inc()
	} else {
		metrics.EngineActionsSkipped.Inc()
	}

	emitted, err = e.emitChangedScores(ctx, eventID)
	if err != nil {
		return applied, emitted, err
	}

	metrics.EnginePairsTracked.Set(float64(e.state.PairCount()))
	return applied, emitted, nil
}

// emitChangedScores recomputes the score of every tracked pair of eventID
// and publishes the ones that moved by more than epsilon since their last
// successful emission. Emissions are stamped with the engine's processing
// time, not the action's client timestamp: a late-delivered action with an
// old timestamp still produces the newest computation, and the store's
// strictly-newer guard must not discard it.
func (e *Engine) emitChangedScores(ctx context.Context, eventID int64) (int, error) {
	sumE := e.state.EventWeightSum(eventID)
	if sumE <= 0 {
		return 0, nil
	}
	ts := e.now()

	emitted := 0
	for _, partner := range e.state.Partners(eventID) {
		sumP := e.state.EventWeightSum(partner)
		if sumP <= 0 {
			continue
		}

		score := e.state.PairMinSum(eventID, partner) / math.Sqrt(sumE*sumP)
		score = clampScore(score)

		last, seen := e.state.LastScore(eventID, partner)
		if seen && math.Abs(score-last) <= e.config.Epsilon {
			continue
		}

		sim := stream.NewEventSimilarity(eventID, partner, score, ts)
		if err := e.publisher.PublishSimilarity(ctx, sim); err != nil {
			// Last score stays stale, so the redelivery retries this pair.
			return emitted, err
		}
		e.state.SetLastScore(eventID, partner, score)
		emitted++

		logging.Trace().
			Str("pair", sim.Key()).
			Float64("score", score).
			Msg("Similarity emitted")
	}
	return emitted, nil
}

// clampScore guards against float error pushing a score a hair outside
// [0,1].
func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
