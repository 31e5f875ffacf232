// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/mkraev/affinity/internal/gateway"
	"github.com/mkraev/affinity/internal/store"
	"github.com/mkraev/affinity/internal/stream"
)

var baseTime = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	handler *Handler
	server  http.Handler
	store   *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })
	pub := stream.NewPublisherFromWatermill(ch, watermill.NopLogger{})

	gw, err := gateway.New(pub, gateway.DefaultConfig(16))
	if err != nil {
		t.Fatalf("gateway.New() error: %v", err)
	}

	cfg := store.DefaultConfig("")
	cfg.InMemory = true
	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	handler := NewHandler(gw, st)

	mwCfg := DefaultMiddlewareConfig()
	mwCfg.RateLimitDisabled = true
	router := NewRouter(handler, NewMiddleware(mwCfg))

	return &fixture{handler: handler, server: router.Setup(), store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v\n%s", err, rec.Body.String())
	}
	return rec, resp
}

func TestCollectActionAccepted(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"user_id":1,"event_id":2,"action_type":"like"}`)
	rec, resp := f.do(t, http.MethodPost, "/api/v1/actions", body)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success || resp.Error != nil {
		t.Errorf("unexpected envelope: %+v", resp)
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T", resp.Data)
	}
	if data["action_id"] == "" || data["action_type"] != "like" {
		t.Errorf("payload = %v", data)
	}
}

func TestCollectActionValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{user_id`, ErrCodeBadRequest},
		{"missing user", `{"event_id":2,"action_type":"view"}`, ErrCodeValidationFailed},
		{"unknown type", `{"user_id":1,"event_id":2,"action_type":"share"}`, ErrCodeValidationFailed},
		{"negative event", `{"user_id":1,"event_id":-2,"action_type":"view"}`, ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := f.do(t, http.MethodPost, "/api/v1/actions", []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.code)
			}
		})
	}
}

func TestGetSimilarEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, sim := range []*stream.EventSimilarity{
		stream.NewEventSimilarity(1, 2, 0.9, baseTime),
		stream.NewEventSimilarity(1, 5, 0.5, baseTime),
		stream.NewEventSimilarity(1, 3, 0.5, baseTime),
	} {
		if err := f.store.UpsertSimilarity(ctx, sim); err != nil {
			t.Fatal(err)
		}
	}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/events/1/similar", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Meta == nil || resp.Meta.Count != 3 {
		t.Errorf("Meta = %+v, want count 3", resp.Meta)
	}

	items, ok := resp.Data.([]interface{})
	if !ok || len(items) != 3 {
		t.Fatalf("Data = %+v", resp.Data)
	}
	// Score descending, tie by ascending id: 2 (0.9), 3 (0.5), 5 (0.5).
	wantIDs := []float64{2, 3, 5}
	for i, raw := range items {
		item := raw.(map[string]interface{})
		if item["event_id"] != wantIDs[i] {
			t.Errorf("result[%d] = %v, want event %v", i, item, wantIDs[i])
		}
	}
}

func TestGetSimilarEventsBadInput(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/events/abc/similar", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-numeric id", rec.Code)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/v1/events/5/similar?max_results=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for negative limit", rec.Code)
	}
}

func TestGetRecommendations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.ApplyAction(ctx, stream.NewUserAction(1, 10, stream.ActionLike, baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.UpsertSimilarity(ctx, stream.NewEventSimilarity(10, 30, 0.9, baseTime)); err != nil {
		t.Fatal(err)
	}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/users/1/recommendations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	items, ok := resp.Data.([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("Data = %+v, want one recommendation", resp.Data)
	}
	item := items[0].(map[string]interface{})
	if item["event_id"] != float64(30) {
		t.Errorf("recommended = %v, want event 30", item)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Errorf("health = %d %+v", rec.Code, resp)
	}

	// No checks registered: ready.
	rec, _ = f.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200", rec.Code)
	}

	f.handler.RegisterReadiness("broker", func() bool { return false })
	rec, resp = f.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503 when a check fails", rec.Code)
	}
	if resp.Success {
		t.Error("envelope should not report success when not ready")
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	dlq, err := stream.NewDLQ(stream.DefaultDLQConfig())
	if err != nil {
		t.Fatal(err)
	}
	dlq.Add("m1", "actions.0", nil, errors.New("boom"))
	f.handler.RegisterDLQ("engine", dlq)

	if err := f.store.UpsertSimilarity(context.Background(),
		stream.NewEventSimilarity(1, 2, 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	data := resp.Data.(map[string]interface{})
	if data["similarity_pairs"] != float64(1) {
		t.Errorf("similarity_pairs = %v, want 1", data["similarity_pairs"])
	}
	dlqs := data["dlq"].(map[string]interface{})
	engine := dlqs["engine"].(map[string]interface{})
	if engine["added"] != float64(1) {
		t.Errorf("dlq added = %v, want 1", engine["added"])
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/nope", nil)
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Errorf("not found = %d %+v", rec.Code, resp.Error)
	}

	rec, resp = f.do(t, http.MethodDelete, "/api/v1/actions", nil)
	if rec.Code != http.StatusMethodNotAllowed || resp.Error == nil || resp.Error.Code != ErrCodeMethodNotAllowed {
		t.Errorf("method not allowed = %d %+v", rec.Code, resp.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected prometheus exposition output")
	}
}
