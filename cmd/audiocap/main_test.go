package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/audiocap/internal/config"
)

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrintStartupSummary(t *testing.T) {
	var buf bytes.Buffer
	printStartupSummary(&buf, config.Default())
	out := buf.String()
	for _, want := range []string{"miniaudio", "(system default)", "file / raw", "(disabled)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
