// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/stream"
)

// blockingRunner runs until canceled, counting starts.
type blockingRunner struct {
	starts atomic.Int64
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())

	pipeline := &blockingRunner{}
	apiSvc := &blockingRunner{}
	tree.AddPipelineService(NewRunnerService("worker-0", pipeline))
	tree.AddAPIService(NewRunnerService("http-server", apiSvc))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(3 * time.Second)
	for pipeline.starts.Load() == 0 || apiSvc.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("services did not start")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancellation")
	}
}

// crashingRunner fails a fixed number of times before blocking.
type crashingRunner struct {
	starts  atomic.Int64
	crashes int64
}

func (r *crashingRunner) Run(ctx context.Context) error {
	if r.starts.Add(1) <= r.crashes {
		return errors.New("worker crashed")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRestartsCrashedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(logging.NewSlogLogger(), cfg)

	runner := &crashingRunner{crashes: 2}
	tree.AddPipelineService(NewRunnerService("flaky-worker", runner))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(3 * time.Second)
	for runner.starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("starts = %d, want restarts after crashes", runner.starts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-errCh
}

func TestRunnerServiceName(t *testing.T) {
	svc := NewRunnerService("engine-worker-3", &blockingRunner{})
	if svc.String() != "engine-worker-3" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestDLQRetryServiceDrains(t *testing.T) {
	dlq, err := stream.NewDLQ(stream.DLQConfig{
		MaxRetries:     3,
		MaxEntries:     10,
		InitialBackoff: time.Millisecond,
		RandomSeed:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	dlq.Add("msg-1", "actions.0", []byte(`{}`), errors.New("boom"))

	var reprocessed atomic.Int64
	svc := NewDLQRetryService("dlq-retry", dlq, 10*time.Millisecond,
		func(ctx context.Context, entry *stream.DLQEntry) error {
			reprocessed.Add(1)
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.After(3 * time.Second)
	for dlq.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("entry not drained; reprocessed = %d", reprocessed.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
}

func TestDLQRetryServiceReschedulesFailures(t *testing.T) {
	dlq, err := stream.NewDLQ(stream.DLQConfig{
		MaxRetries:     2,
		MaxEntries:     10,
		InitialBackoff: time.Millisecond,
		RandomSeed:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	dlq.Add("msg-1", "actions.0", nil, errors.New("boom"))

	svc := NewDLQRetryService("dlq-retry", dlq, 5*time.Millisecond,
		func(ctx context.Context, entry *stream.DLQEntry) error {
			return errors.New("still failing")
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	// Retries exhaust and the entry is dropped rather than retried forever.
	deadline := time.After(3 * time.Second)
	for dlq.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("exhausted entry not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
	_, dropped, _ := dlq.Stats()
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}
