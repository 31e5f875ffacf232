// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		Init(Config{Level: "debug", Format: "json", Output: &buf})
		defer Init(DefaultConfig())

		Info().Str("key", "value").Msg("hello")

		out := buf.String()
		if !strings.Contains(out, `"key":"value"`) {
			t.Errorf("expected structured field in output, got %q", out)
		}
		if !strings.Contains(out, `"message":"hello"`) {
			t.Errorf("expected message in output, got %q", out)
		}
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		Init(Config{Level: "warn", Format: "json", Output: &buf})
		defer Init(DefaultConfig())

		Info().Msg("dropped")
		Warn().Msg("kept")

		out := buf.String()
		if strings.Contains(out, "dropped") {
			t.Errorf("info message should be filtered at warn level: %q", out)
		}
		if !strings.Contains(out, "kept") {
			t.Errorf("warn message missing: %q", out)
		}
	})

	t.Run("empty config uses defaults", func(t *testing.T) {
		var buf bytes.Buffer
		Init(Config{Output: &buf})
		defer Init(DefaultConfig())

		if zerolog.GlobalLevel() != zerolog.InfoLevel {
			t.Errorf("expected default info level, got %v", zerolog.GlobalLevel())
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"DISABLED", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewSlogHandlerWithLogger(NewTestLogger(&buf))
	logger := slog.New(handler)

	t.Run("attributes flow through", func(t *testing.T) {
		buf.Reset()
		logger.Info("supervised", "service", "engine", "restarts", int64(2))

		out := buf.String()
		if !strings.Contains(out, `"service":"engine"`) {
			t.Errorf("missing string attr: %q", out)
		}
		if !strings.Contains(out, `"restarts":2`) {
			t.Errorf("missing int attr: %q", out)
		}
	})

	t.Run("groups prefix keys", func(t *testing.T) {
		buf.Reset()
		logger.WithGroup("tree").Info("event", "name", "root")

		if !strings.Contains(buf.String(), `"tree.name":"root"`) {
			t.Errorf("expected group-prefixed key, got %q", buf.String())
		}
	})

	t.Run("error level maps", func(t *testing.T) {
		buf.Reset()
		logger.Error("failed")

		if !strings.Contains(buf.String(), `"level":"error"`) {
			t.Errorf("expected error level, got %q", buf.String())
		}
	})
}
