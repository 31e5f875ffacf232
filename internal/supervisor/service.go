// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/mkraev/affinity/internal/stream"
)

// Runner is anything with a blocking, context-driven run loop. Partition
// workers, store consumers, and the HTTP server all satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService adapts a Runner to suture.Service.
type RunnerService struct {
	name   string
	runner Runner
}

// NewRunnerService wraps a runner under the given service name.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{name: name, runner: runner}
}

// Serve implements suture.Service. Context cancellation is a normal stop,
// not a failure, so suture does not count it toward restart backoff.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// String implements fmt.Stringer for suture's service naming.
func (s *RunnerService) String() string {
	return s.name
}

// DLQRetryService periodically drains pending retries from a dead-letter
// queue through a reprocess function.
type DLQRetryService struct {
	name      string
	dlq       *stream.DLQ
	interval  time.Duration
	reprocess func(ctx context.Context, entry *stream.DLQEntry) error
}

// NewDLQRetryService creates a retry loop over the queue. The reprocess
// function is called for each due entry; success removes it, failure
// reschedules it with backoff until retries exhaust.
func NewDLQRetryService(name string, dlq *stream.DLQ, interval time.Duration,
	reprocess func(ctx context.Context, entry *stream.DLQEntry) error) *DLQRetryService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DLQRetryService{name: name, dlq: dlq, interval: interval, reprocess: reprocess}
}

// Serve implements suture.Service.
func (s *DLQRetryService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *DLQRetryService) drain(ctx context.Context) {
	for _, entry := range s.dlq.PendingRetries() {
		if ctx.Err() != nil {
			return
		}
		if err := s.reprocess(ctx, entry); err != nil {
			s.dlq.RecordFailure(entry.MessageID, err)
			continue
		}
		s.dlq.Remove(entry.MessageID)
	}
}

// String implements fmt.Stringer for suture's service naming.
func (s *DLQRetryService) String() string {
	return s.name
}
