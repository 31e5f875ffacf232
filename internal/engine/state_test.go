// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package engine

import (
	"math"
	"sync"
	"testing"
)

func TestShardedStoreUserWeights(t *testing.T) {
	s := NewShardedStore(4)

	if got := s.UserEventWeight(1, 10); got != 0 {
		t.Errorf("absent weight = %v, want 0", got)
	}

	s.SetUserEventWeight(1, 10, 0.4)
	s.SetUserEventWeight(1, 20, 1.0)
	s.SetUserEventWeight(2, 10, 0.8)

	if got := s.UserEventWeight(1, 10); got != 0.4 {
		t.Errorf("UserEventWeight(1,10) = %v, want 0.4", got)
	}

	weights := s.UserWeights(1)
	if len(weights) != 2 || weights[10] != 0.4 || weights[20] != 1.0 {
		t.Errorf("UserWeights(1) = %v", weights)
	}

	// The returned map is a copy; mutating it must not leak into the store.
	weights[10] = 99
	if got := s.UserEventWeight(1, 10); got != 0.4 {
		t.Errorf("store mutated through returned map: %v", got)
	}
}

func TestShardedStorePairsAndPartners(t *testing.T) {
	s := NewShardedStore(4)

	s.AddPairMinSum(20, 10, 0.4)
	if got := s.PairMinSum(10, 20); got != 0.4 {
		t.Errorf("PairMinSum = %v, want 0.4 regardless of argument order", got)
	}

	partners := s.Partners(10)
	if len(partners) != 1 || partners[0] != 20 {
		t.Errorf("Partners(10) = %v, want [20]", partners)
	}
	partners = s.Partners(20)
	if len(partners) != 1 || partners[0] != 10 {
		t.Errorf("Partners(20) = %v, want [10]", partners)
	}

	if got := s.PairCount(); got != 1 {
		t.Errorf("PairCount() = %d, want 1", got)
	}
}

func TestShardedStoreLastScore(t *testing.T) {
	s := NewShardedStore(4)

	if _, ok := s.LastScore(1, 2); ok {
		t.Error("unseen pair should have no last score")
	}

	s.SetLastScore(2, 1, 0.577)
	score, ok := s.LastScore(1, 2)
	if !ok || score != 0.577 {
		t.Errorf("LastScore = %v, %v; want 0.577 under canonical key", score, ok)
	}
}

func TestShardedStoreConcurrentIncrements(t *testing.T) {
	// Concurrent deltas to the same aggregate key must never be lost.
	s := NewShardedStore(8)

	const goroutines = 16
	const increments = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				s.AddEventWeightSum(42, 0.1)
				s.AddPairMinSum(42, 43, 0.1)
			}
		}()
	}
	wg.Wait()

	want := float64(goroutines*increments) * 0.1
	if got := s.EventWeightSum(42); math.Abs(got-want) > 1e-6 {
		t.Errorf("EventWeightSum = %v, want %v", got, want)
	}
	if got := s.PairMinSum(42, 43); math.Abs(got-want) > 1e-6 {
		t.Errorf("PairMinSum = %v, want %v", got, want)
	}
}

func TestNewShardedStoreDefaultsShardCount(t *testing.T) {
	s := NewShardedStore(0)
	s.SetUserEventWeight(1, 2, 0.4)
	if got := s.UserEventWeight(1, 2); got != 0.4 {
		t.Errorf("store with defaulted shards broken: %v", got)
	}
}
