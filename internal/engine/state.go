// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Package engine consumes the action stream, maintains the weight and
// aggregate state, and emits changed pair scores onto the similarity stream.
package engine

import (
	"hash/fnv"
	"sync"

	"github.com/mkraev/affinity/internal/stream"
)

// StateStore holds the three aggregates of the similarity computation.
// Per-user weights have a single writer (the partition worker owning the
// user), but event sums and pair min-sums are shared across workers, so
// the Add* operations must be atomic increments that never lose a delta.
type StateStore interface {
	// UserEventWeight returns the current weight of (user, event), 0 if absent.
	UserEventWeight(userID, eventID int64) float64

	// SetUserEventWeight stores the weight of (user, event).
	SetUserEventWeight(userID, eventID int64, weight float64)

	// UserWeights returns a copy of all nonzero event weights of the user.
	UserWeights(userID int64) map[int64]float64

	// AddEventWeightSum atomically adds delta to the event's weight sum and
	// returns the new value.
	AddEventWeightSum(eventID int64, delta float64) float64

	// EventWeightSum returns the event's total weight mass.
	EventWeightSum(eventID int64) float64

	// AddPairMinSum atomically adds delta to the pair's min-sum, registers
	// the pair on both events, and returns the new value.
	AddPairMinSum(eventA, eventB int64, delta float64) float64

	// PairMinSum returns the pair's min-sum.
	PairMinSum(eventA, eventB int64) float64

	// Partners returns every event that shares a tracked pair with eventID.
	Partners(eventID int64) []int64

	// LastScore returns the last emitted score for the pair.
	LastScore(eventA, eventB int64) (float64, bool)

	// SetLastScore records the last emitted score for the pair. Called only
	// after the emission is durably published, so a failed publish leaves
	// the pair eligible for re-emission on redelivery.
	SetLastScore(eventA, eventB int64, score float64)

	// PairCount returns the number of tracked pairs.
	PairCount() int
}

// userShard holds per-user weight maps for a stripe of users.
type userShard struct {
	mu      sync.Mutex
	weights map[int64]map[int64]float64
}

// eventShard holds weight sums and the pair index for a stripe of events.
type eventShard struct {
	mu       sync.Mutex
	sums     map[int64]float64
	partners map[int64]map[int64]struct{}
}

// pairShard holds min-sums and last emitted scores for a stripe of pairs.
type pairShard struct {
	mu         sync.Mutex
	minSums    map[string]float64
	lastScores map[string]float64
}

// ShardedStore is an in-memory StateStore with striped locking: each
// aggregate key maps to one shard, and every mutation happens under that
// shard's lock, so concurrent increments to the same key serialize instead
// of racing. State is rebuildable by replaying the action stream.
type ShardedStore struct {
	users  []*userShard
	events []*eventShard
	pairs  []*pairShard
}

// NewShardedStore creates a store with the given stripe count per aggregate.
func NewShardedStore(shards int) *ShardedStore {
	if shards <= 0 {
		shards = 16
	}

	s := &ShardedStore{
		users:  make([]*userShard, shards),
		events: make([]*eventShard, shards),
		pairs:  make([]*pairShard, shards),
	}
	for i := 0; i < shards; i++ {
		s.users[i] = &userShard{weights: make(map[int64]map[int64]float64)}
		s.events[i] = &eventShard{
			sums:     make(map[int64]float64),
			partners: make(map[int64]map[int64]struct{}),
		}
		s.pairs[i] = &pairShard{
			minSums:    make(map[string]float64),
			lastScores: make(map[string]float64),
		}
	}
	return s
}

func (s *ShardedStore) userShardFor(userID int64) *userShard {
	return s.users[int(uint64(userID)%uint64(len(s.users)))]
}

func (s *ShardedStore) eventShardFor(eventID int64) *eventShard {
	return s.events[int(uint64(eventID)%uint64(len(s.events)))]
}

func (s *ShardedStore) pairShardFor(key string) *pairShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.pairs[int(h.Sum32())%len(s.pairs)]
}

// UserEventWeight returns the current weight of (user, event).
func (s *ShardedStore) UserEventWeight(userID, eventID int64) float64 {
	shard := s.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.weights[userID][eventID]
}

// SetUserEventWeight stores the weight of (user, event).
func (s *ShardedStore) SetUserEventWeight(userID, eventID int64, weight float64) {
	shard := s.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	events, ok := shard.weights[userID]
	if !ok {
		events = make(map[int64]float64)
		shard.weights[userID] = events
	}
	events[eventID] = weight
}

// UserWeights returns a copy of the user's nonzero event weights.
func (s *ShardedStore) UserWeights(userID int64) map[int64]float64 {
	shard := s.userShardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	out := make(map[int64]float64, len(shard.weights[userID]))
	for eventID, w := range shard.weights[userID] {
		if w > 0 {
			out[eventID] = w
		}
	}
	return out
}

// AddEventWeightSum atomically adds delta to the event's weight sum.
func (s *ShardedStore) AddEventWeightSum(eventID int64, delta float64) float64 {
	shard := s.eventShardFor(eventID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.sums[eventID] += delta
	return shard.sums[eventID]
}

// EventWeightSum returns the event's total weight mass.
func (s *ShardedStore) EventWeightSum(eventID int64) float64 {
	shard := s.eventShardFor(eventID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.sums[eventID]
}

// AddPairMinSum atomically adds delta to the pair's min-sum and registers
// the pair on both events.
func (s *ShardedStore) AddPairMinSum(eventA, eventB int64, delta float64) float64 {
	key := stream.PairKey(eventA, eventB)

	s.registerPartner(eventA, eventB)
	s.registerPartner(eventB, eventA)

	shard := s.pairShardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.minSums[key] += delta
	return shard.minSums[key]
}

// PairMinSum returns the pair's min-sum.
func (s *ShardedStore) PairMinSum(eventA, eventB int64) float64 {
	key := stream.PairKey(eventA, eventB)
	shard := s.pairShardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.minSums[key]
}

func (s *ShardedStore) registerPartner(eventID, partner int64) {
	shard := s.eventShardFor(eventID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	set, ok := shard.partners[eventID]
	if !ok {
		set = make(map[int64]struct{})
		shard.partners[eventID] = set
	}
	set[partner] = struct{}{}
}

// Partners returns every event sharing a tracked pair with eventID.
func (s *ShardedStore) Partners(eventID int64) []int64 {
	shard := s.eventShardFor(eventID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	out := make([]int64, 0, len(shard.partners[eventID]))
	for partner := range shard.partners[eventID] {
		out = append(out, partner)
	}
	return out
}

// LastScore returns the last emitted score for the pair.
func (s *ShardedStore) LastScore(eventA, eventB int64) (float64, bool) {
	key := stream.PairKey(eventA, eventB)
	shard := s.pairShardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	score, ok := shard.lastScores[key]
	return score, ok
}

// SetLastScore records the last emitted score for the pair.
func (s *ShardedStore) SetLastScore(eventA, eventB int64, score float64) {
	key := stream.PairKey(eventA, eventB)
	shard := s.pairShardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.lastScores[key] = score
}

// PairCount returns the number of tracked pairs.
func (s *ShardedStore) PairCount() int {
	total := 0
	for _, shard := range s.pairs {
		shard.mu.Lock()
		total += len(shard.minSums)
		shard.mu.Unlock()
	}
	return total
}
