// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package store materializes the similarity stream and the user weight view
// into badger, and serves the two query operations built on them.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/metrics"
	"github.com/mkraev/affinity/internal/stream"
)

// Key layout. The pair record is stored once under its canonical key; two
// index entries (one per direction) make "all pairs of event X" a prefix
// scan.
//
//	sim:<min>:<max>          similarity record (JSON)
//	simidx:<event>:<other>   score (8-byte float)
//	uw:<user>:<event>        user weight (8-byte float)
const (
	simPrefix    = "sim:"
	simIdxPrefix = "simidx:"
	weightPrefix = "uw:"
)

// upsertRetries bounds optimistic transaction retries on write conflict.
// Exhaustion drops the update: scores are eventually consistent and the
// next emission for the pair repairs the view.
const upsertRetries = 3

// Config holds store settings.
type Config struct {
	// Path is the badger database directory.
	Path string

	// InMemory runs badger without disk persistence. Tests only.
	InMemory bool

	// DefaultLimit is the result count when a query asks for none.
	DefaultLimit int

	// MaxLimit caps the result count of any query.
	MaxLimit int

	// CacheTTL bounds how long ranked query results are served from the
	// in-memory cache. Zero disables caching.
	CacheTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		DefaultLimit: 20,
		MaxLimit:     200,
		CacheTTL:     5 * time.Second,
	}
}

// SimilarEvent is one ranked neighbor of a queried event.
type SimilarEvent struct {
	EventID int64   `json:"event_id"`
	Score   float64 `json:"score"`
}

// Recommendation is one ranked candidate event for a user.
type Recommendation struct {
	EventID int64   `json:"event_id"`
	Score   float64 `json:"score"`
}

// Store is the materialized query view over badger.
type Store struct {
	db     *badger.DB
	config Config
	cache  *queryCache
}

// Open opens the store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithInMemory(cfg.InMemory)
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	return &Store{db: db, config: cfg, cache: newQueryCache(cfg.CacheTTL)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSimilarity writes a pair score. An update whose timestamp is not
// strictly newer than the stored one is discarded, so out-of-order
// redelivery cannot roll the view backwards. Write conflicts are retried
// with a fresh read; exhaustion drops the update.
func (s *Store) UpsertSimilarity(ctx context.Context, sim *stream.EventSimilarity) error {
	if err := sim.Validate(); err != nil {
		return stream.NewPermanentError("invalid similarity", err)
	}

	var lastErr error
	for attempt := 0; attempt <= upsertRetries; attempt++ {
		applied, err := s.tryUpsertSimilarity(sim)
		if err == nil {
			if applied {
				metrics.StoreUpserts.Inc()
				s.cache.invalidate()
			} else {
				metrics.StoreDiscards.Inc()
			}
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return stream.NewRetryableError("similarity upsert", err)
		}
		lastErr = err
	}

	// Dropped on conflict exhaustion; the next emission corrects the pair.
	logging.Warn().
		Err(lastErr).
		Str("pair", sim.Key()).
		Msg("Similarity upsert dropped after conflict retries")
	metrics.StoreDiscards.Inc()
	return nil
}

func (s *Store) tryUpsertSimilarity(sim *stream.EventSimilarity) (bool, error) {
	applied := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(simPrefix + sim.Key())

		item, err := txn.Get(key)
		if err == nil {
			var existing stream.EventSimilarity
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			if !sim.Timestamp.After(existing.Timestamp) {
				return nil // stale update, keep the newer record
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(sim)
		if err != nil {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}

		score := encodeFloat(sim.Score)
		if err := txn.Set(indexKey(sim.EventA, sim.EventB), score); err != nil {
			return err
		}
		if err := txn.Set(indexKey(sim.EventB, sim.EventA), score); err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, err
}

// Similarity reads the stored record for a pair, or nil if absent.
func (s *Store) Similarity(eventA, eventB int64) (*stream.EventSimilarity, error) {
	var sim *stream.EventSimilarity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(simPrefix + stream.PairKey(eventA, eventB)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			sim = &stream.EventSimilarity{}
			return json.Unmarshal(val, sim)
		})
	})
	return sim, err
}

// ApplyAction folds one user action into the weight view as a running
// maximum. Idempotent and order-independent, so at-least-once consumption
// of the action stream is safe.
func (s *Store) ApplyAction(ctx context.Context, action *stream.UserAction) error {
	if err := action.Validate(); err != nil {
		return stream.NewPermanentError("invalid action", err)
	}

	weight := action.Weight()
	key := weightKey(action.UserID, action.EventID)

	var lastErr error
	for attempt := 0; attempt <= upsertRetries; attempt++ {
		applied := false
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err == nil {
				var current float64
				if err := item.Value(func(val []byte) error {
					current = decodeFloat(val)
					return nil
				}); err != nil {
					return err
				}
				if weight <= current {
					return nil // running maximum
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(key, encodeFloat(weight)); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err == nil {
			if applied {
				s.cache.invalidate()
			}
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return stream.NewRetryableError("weight upsert", err)
		}
		lastErr = err
	}

	logging.Warn().
		Err(lastErr).
		Int64("user_id", action.UserID).
		Int64("event_id", action.EventID).
		Msg("Weight upsert dropped after conflict retries")
	return nil
}

// UserWeights returns the user's event weights from the view.
func (s *Store) UserWeights(userID int64) (map[int64]float64, error) {
	weights := make(map[int64]float64)
	prefix := []byte(weightPrefix + strconv.FormatInt(userID, 10) + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			eventID, err := trailingID(item.Key(), prefix)
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				weights[eventID] = decodeFloat(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return weights, nil
}

// GetSimilarEvents returns events similar to eventID, sorted by score
// descending with ties broken by ascending event identifier. The order is
// deterministic for paging and repeated calls against the same state.
func (s *Store) GetSimilarEvents(ctx context.Context, eventID int64, maxResults int) ([]SimilarEvent, error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreQuery("similar_events", time.Since(start)) }()

	if eventID <= 0 {
		return nil, stream.NewPermanentError("invalid event id", nil)
	}
	limit := s.clampLimit(maxResults)

	cacheKey := similarCacheKey(eventID, limit)
	cached, gen, ok := s.cache.get(cacheKey)
	if ok {
		return cached.([]SimilarEvent), nil
	}

	neighbors, err := s.neighborScores(eventID)
	if err != nil {
		return nil, err
	}

	results := make([]SimilarEvent, 0, len(neighbors))
	for otherID, score := range neighbors {
		results = append(results, SimilarEvent{EventID: otherID, Score: score})
	}
	sortRanked(results, func(r SimilarEvent) (float64, int64) { return r.Score, r.EventID })

	if len(results) > limit {
		results = results[:limit]
	}
	s.cache.put(cacheKey, results, gen)
	return results, nil
}

// GetRecommendationsForUser ranks events the user has not interacted with
// by the sum over their interacted events of weight times similarity.
// Same ordering rule as GetSimilarEvents.
func (s *Store) GetRecommendationsForUser(ctx context.Context, userID int64, maxResults int) ([]Recommendation, error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreQuery("recommendations", time.Since(start)) }()

	if userID <= 0 {
		return nil, stream.NewPermanentError("invalid user id", nil)
	}
	limit := s.clampLimit(maxResults)

	cacheKey := recommendCacheKey(userID, limit)
	cached, gen, ok := s.cache.get(cacheKey)
	if ok {
		return cached.([]Recommendation), nil
	}

	weights, err := s.UserWeights(userID)
	if err != nil {
		return nil, err
	}

	scores := make(map[int64]float64)
	for eventID, weight := range weights {
		neighbors, err := s.neighborScores(eventID)
		if err != nil {
			return nil, err
		}
		for candidate, sim := range neighbors {
			if _, interacted := weights[candidate]; interacted {
				continue
			}
			scores[candidate] += weight * sim
		}
	}

	results := make([]Recommendation, 0, len(scores))
	for eventID, score := range scores {
		results = append(results, Recommendation{EventID: eventID, Score: score})
	}
	sortRanked(results, func(r Recommendation) (float64, int64) { return r.Score, r.EventID })

	if len(results) > limit {
		results = results[:limit]
	}
	s.cache.put(cacheKey, results, gen)
	return results, nil
}

// Stats returns row counts of the materialized views.
func (s *Store) Stats() (pairs, weights int64, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		pairs = countPrefix(txn, []byte(simPrefix))
		weights = countPrefix(txn, []byte(weightPrefix))
		return nil
	})
	return pairs, weights, err
}

// CacheStats returns hit and miss counts of the query cache.
func (s *Store) CacheStats() (hits, misses int64) {
	return s.cache.stats()
}

// neighborScores scans the pair index of one event.
func (s *Store) neighborScores(eventID int64) (map[int64]float64, error) {
	neighbors := make(map[int64]float64)
	prefix := []byte(simIdxPrefix + strconv.FormatInt(eventID, 10) + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			otherID, err := trailingID(item.Key(), prefix)
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				neighbors[otherID] = decodeFloat(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return neighbors, nil
}

func (s *Store) clampLimit(maxResults int) int {
	switch {
	case maxResults <= 0:
		return s.config.DefaultLimit
	case maxResults > s.config.MaxLimit:
		return s.config.MaxLimit
	default:
		return maxResults
	}
}

// sortRanked orders by score descending, ties by ascending event id.
func sortRanked[T any](items []T, rank func(T) (float64, int64)) {
	sort.Slice(items, func(i, j int) bool {
		scoreI, idI := rank(items[i])
		scoreJ, idJ := rank(items[j])
		if scoreI != scoreJ {
			return scoreI > scoreJ
		}
		return idI < idJ
	})
}

func indexKey(eventID, otherID int64) []byte {
	return []byte(simIdxPrefix + strconv.FormatInt(eventID, 10) + ":" + strconv.FormatInt(otherID, 10))
}

func weightKey(userID, eventID int64) []byte {
	return []byte(weightPrefix + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(eventID, 10))
}

func trailingID(key, prefix []byte) (int64, error) {
	id, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return id, nil
}

func encodeFloat(f float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf
}

func decodeFloat(b []byte) float64 {
	if len(b) != 8 {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func countPrefix(txn *badger.Txn, prefix []byte) int64 {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var n int64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}
