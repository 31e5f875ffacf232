// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package store

import (
	"context"
	"testing"
	"time"

	"github.com/mkraev/affinity/internal/stream"
)

func TestQueryCacheServesRepeatedQueries(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, 10, 20, 0.8, baseTime)

	ctx := context.Background()
	first, err := s.GetSimilarEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}
	second, err := s.GetSimilarEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("results diverged: %v vs %v", first, second)
	}

	hits, misses := s.CacheStats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}

func TestQueryCacheInvalidatedByWrites(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, 10, 20, 0.8, baseTime)

	ctx := context.Background()
	if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}

	// A newer score must show up on the next query, not the TTL boundary.
	upsert(t, s, 10, 20, 0.3, baseTime.Add(time.Minute))

	results, err := s.GetSimilarEvents(ctx, 10, 5)
	if err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}
	if len(results) != 1 || results[0].Score != 0.3 {
		t.Errorf("results = %v, want updated score 0.3", results)
	}
}

func TestQueryCacheStaleWriteKeepsCache(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, 10, 20, 0.8, baseTime)

	ctx := context.Background()
	if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}

	// Discarded stale update leaves the cached ranking valid.
	upsert(t, s, 10, 20, 0.1, baseTime.Add(-time.Minute))

	if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}
	hits, _ := s.CacheStats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (stale write must not invalidate)", hits)
	}
}

func TestQueryCacheDisabled(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.CacheTTL = 0
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	upsert(t, s, 10, 20, 0.8, baseTime)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
			t.Fatalf("GetSimilarEvents() error: %v", err)
		}
	}

	hits, misses := s.CacheStats()
	if hits != 0 || misses != 0 {
		t.Errorf("stats = (%d, %d), want (0, 0) when disabled", hits, misses)
	}
}

func TestQueryCacheExpiry(t *testing.T) {
	c := newQueryCache(10 * time.Millisecond)
	_, gen, _ := c.get("k")
	c.put("k", 42, gen)
	if v, _, ok := c.get("k"); !ok || v.(int) != 42 {
		t.Fatalf("get() = (%v, %v), want fresh hit", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, _, ok := c.get("k"); ok {
		t.Error("entry served after TTL")
	}
}

func TestQueryCacheRejectsPutAcrossGenerations(t *testing.T) {
	c := newQueryCache(time.Minute)

	// A write landing between the miss and the insert must void the
	// insert, or a pre-write ranking would be served as current.
	_, gen, ok := c.get("k")
	if ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.invalidate()
	c.put("k", 42, gen)

	if _, _, ok := c.get("k"); ok {
		t.Error("stale-generation insert was served")
	}
}

func TestQueryCacheKeptOnNoOpWeightWrite(t *testing.T) {
	s := newTestStore(t)
	upsert(t, s, 10, 20, 0.8, baseTime)

	ctx := context.Background()
	like := stream.NewUserAction(1, 10, stream.ActionLike, baseTime)
	if err := s.ApplyAction(ctx, like); err != nil {
		t.Fatalf("ApplyAction() error: %v", err)
	}

	if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}

	// A weaker action is a running-max no-op and must not evict anything.
	view := stream.NewUserAction(1, 10, stream.ActionView, baseTime.Add(time.Second))
	if err := s.ApplyAction(ctx, view); err != nil {
		t.Fatalf("ApplyAction() error: %v", err)
	}

	if _, err := s.GetSimilarEvents(ctx, 10, 5); err != nil {
		t.Fatalf("GetSimilarEvents() error: %v", err)
	}
	hits, _ := s.CacheStats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (no-op weight write must not invalidate)", hits)
	}
}

func TestQueryCacheKeysDistinguishLimits(t *testing.T) {
	if similarCacheKey(1, 5) == similarCacheKey(1, 10) {
		t.Error("similar keys collide across limits")
	}
	if similarCacheKey(1, 5) == recommendCacheKey(1, 5) {
		t.Error("similar and recommend keys collide")
	}
}
