package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"stream opened\"", "stream_id=3"}},
		{"json", []string{`"msg":"stream opened"`, `"stream_id":3`}},
		{"TEXT", []string{"stream_id=3"}},
		{"unknown", []string{"stream_id=3"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tt.format, &buf)
			logger.Info("stream opened", KeyStreamID, 3)

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q missing %q", out, w)
				}
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name   string
		config string
		level  slog.Level
		shown  bool
	}{
		{"debug at debug", "debug", slog.LevelDebug, true},
		{"debug at info", "info", slog.LevelDebug, false},
		{"info at info", "info", slog.LevelInfo, true},
		{"info at warn", "warn", slog.LevelInfo, false},
		{"error at warn", "warn", slog.LevelError, true},
		{"warn at error", "error", slog.LevelWarn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.config, "text", &buf)
			logger.Log(context.Background(), tt.level, "x")

			if shown := buf.Len() > 0; shown != tt.shown {
				t.Errorf("shown = %v, want %v", shown, tt.shown)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := NopLogger()
	if OrNop(l) != l {
		t.Error("OrNop did not return the given logger")
	}
}

func TestComponentAndHex32(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter("debug", "text", &buf), "dispatcher")
	logger.Debug("message received", Hex32(KeyCommand, 0x4E584E43))

	out := buf.String()
	if !strings.Contains(out, "component=dispatcher") {
		t.Errorf("missing component attribute: %s", out)
	}
	if !strings.Contains(out, "command=0x4e584e43") {
		t.Errorf("missing hex command attribute: %s", out)
	}

	// nil logger must not panic
	Component(nil, "x").Info("discarded")
}
