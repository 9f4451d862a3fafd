package util

import (
	"context"
	"log/slog"
	"testing"
)

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"jane@example.com": "j***@example.com",
		"a@b.com":          "a***@b.com",
		"broken":           "***",
		"@nouser.com":      "***",
	}
	for in, want := range tests {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Fatalf("expected default logger")
	}
	custom := slog.Default().With("k", "v")
	ctx := ContextWithLogger(context.Background(), custom)
	if got := LoggerFromContext(ctx); got != custom {
		t.Fatalf("expected stored logger")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("expected debug")
	}
	if ParseLevel("warning") != slog.LevelWarn {
		t.Fatalf("expected warn")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
