// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package stream

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkraev/affinity/internal/metrics"
)

// DLQEntry is one dead-lettered message.
type DLQEntry struct {
	// MessageID is the original message UUID.
	MessageID string

	// Topic the message arrived on.
	Topic string

	// Payload is the raw message payload, kept for inspection and retry.
	Payload []byte

	// OriginalError is the error message from the first failure.
	OriginalError string

	// LastError is the error message from the most recent attempt.
	LastError string

	// RetryCount is the number of retry attempts made.
	RetryCount int

	// FirstFailure and LastFailure bound the failure window.
	FirstFailure time.Time
	LastFailure  time.Time

	// NextRetry is the earliest time for the next retry attempt.
	NextRetry time.Time

	// Category routes the entry for metrics.
	Category ErrorCategory
}

// DLQConfig holds dead-letter queue settings.
type DLQConfig struct {
	// MaxRetries bounds retry attempts before the entry is dropped.
	MaxRetries int

	// MaxEntries caps the queue; the oldest entry is evicted past it.
	MaxEntries int

	// InitialBackoff is the first retry delay; doubles per attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// JitterFraction randomizes backoff by ±fraction to avoid retry storms.
	JitterFraction float64

	// RandomSeed makes jitter reproducible in tests; 0 means time-seeded.
	RandomSeed int64
}

// DefaultDLQConfig returns production defaults.
func DefaultDLQConfig() DLQConfig {
	return DLQConfig{
		MaxRetries:     5,
		MaxEntries:     10000,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		JitterFraction: 0.1,
	}
}

// DLQ holds messages that failed processing, so one bad message never
// stalls a partition. Entries past MaxRetries are dropped: recommendation
// state is eventually consistent and a later action corrects it.
type DLQ struct {
	config DLQConfig

	mu      sync.RWMutex
	entries map[string]*DLQEntry

	totalAdded   atomic.Int64
	totalDropped atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDLQ creates a dead-letter queue.
func NewDLQ(cfg DLQConfig) (*DLQ, error) {
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("max retries must be positive")
	}
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("max entries must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return nil, errors.New("initial backoff must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.InitialBackoff * 64
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction > 1 {
		cfg.JitterFraction = 0.1
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &DLQ{
		config:  cfg,
		entries: make(map[string]*DLQEntry),
		//nolint:gosec // G404: weak random is fine for backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Add dead-letters a message. Returns the created entry.
func (q *DLQ) Add(messageID, topic string, payload []byte, err error) *DLQEntry {
	now := time.Now()

	category := ErrorCategoryUnknown
	var retryErr *RetryableError
	var permErr *PermanentError
	switch {
	case errors.As(err, &retryErr):
		category = retryErr.Category
	case errors.As(err, &permErr):
		category = permErr.Category
	}

	entry := &DLQEntry{
		MessageID:     messageID,
		Topic:         topic,
		Payload:       payload,
		OriginalError: err.Error(),
		LastError:     err.Error(),
		FirstFailure:  now,
		LastFailure:   now,
		Category:      category,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.config.MaxEntries {
		q.evictOldestLocked()
	}

	entry.NextRetry = now.Add(q.backoff(0))
	q.entries[messageID] = entry
	q.totalAdded.Add(1)

	metrics.RecordDLQEntry(category.String())
	metrics.DLQSize.Set(float64(len(q.entries)))

	return entry
}

// Get retrieves an entry by message ID, or nil.
func (q *DLQ) Get(messageID string) *DLQEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.entries[messageID]
}

// PendingRetries returns entries whose retry time has passed.
func (q *DLQ) PendingRetries() []*DLQEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now()
	var pending []*DLQEntry
	for _, e := range q.entries {
		if e.RetryCount < q.config.MaxRetries && !e.NextRetry.After(now) {
			pending = append(pending, e)
		}
	}
	return pending
}

// RecordFailure increments an entry's retry count after a failed attempt.
// When retries are exhausted the entry is dropped. Returns true while more
// retries remain.
func (q *DLQ) RecordFailure(messageID string, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[messageID]
	if !ok {
		return false
	}

	entry.RetryCount++
	entry.LastError = err.Error()
	entry.LastFailure = time.Now()
	entry.NextRetry = time.Now().Add(q.backoff(entry.RetryCount))

	metrics.RecordDLQRetry(false)

	if entry.RetryCount >= q.config.MaxRetries {
		delete(q.entries, messageID)
		q.totalDropped.Add(1)
		metrics.DLQDropped.Inc()
		metrics.DLQSize.Set(float64(len(q.entries)))
		return false
	}
	return true
}

// Remove deletes an entry after a successful retry.
func (q *DLQ) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[messageID]; !ok {
		return false
	}
	delete(q.entries, messageID)

	metrics.RecordDLQRetry(true)
	metrics.DLQSize.Set(float64(len(q.entries)))
	return true
}

// Len returns the current entry count.
func (q *DLQ) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Stats returns cumulative counters: added, dropped, current size.
func (q *DLQ) Stats() (added, dropped int64, size int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.totalAdded.Load(), q.totalDropped.Load(), len(q.entries)
}

// evictOldestLocked drops the entry with the earliest first failure.
// Must be called with q.mu held.
func (q *DLQ) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range q.entries {
		if oldestID == "" || e.FirstFailure.Before(oldest) {
			oldestID = id
			oldest = e.FirstFailure
		}
	}
	if oldestID != "" {
		delete(q.entries, oldestID)
		q.totalDropped.Add(1)
		metrics.DLQDropped.Inc()
	}
}

// backoff computes the delay before the given retry attempt.
func (q *DLQ) backoff(retryCount int) time.Duration {
	d := float64(q.config.InitialBackoff) * math.Pow(2, float64(retryCount))
	if d > float64(q.config.MaxBackoff) {
		d = float64(q.config.MaxBackoff)
	}

	q.rngMu.Lock()
	jitter := d * q.config.JitterFraction * (q.rng.Float64()*2 - 1)
	q.rngMu.Unlock()

	return time.Duration(d + jitter)
}
