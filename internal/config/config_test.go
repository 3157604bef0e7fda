package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("embedded policy invalid: %v", err)
	}
	if p.Resolver.IncludeThreshold != 0.35 || p.Resolver.AmbiguityGap != 0.03 {
		t.Errorf("unexpected resolver defaults: %+v", p.Resolver)
	}
	if p.Stabilizer.Identity.WindowSize != 8 || p.Stabilizer.Identity.Consensus != 5 {
		t.Errorf("unexpected identity window: %+v", p.Stabilizer.Identity)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "faces")
	t.Setenv("FRAME_SKIP", "3")
	t.Setenv("EMOTION_CONFIDENCE_THRESHOLD", "0.7")
	t.Setenv("WRITE_TIMEOUT", "1s")

	cfg := Load()
	if cfg.Database.URL != "postgres://u:p@db:5432/faces" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Tracking.FrameSkip != 3 {
		t.Errorf("FrameSkip = %d, want 3", cfg.Tracking.FrameSkip)
	}
	if cfg.Tracking.WriteTimeout != time.Second {
		t.Errorf("WriteTimeout = %v, want 1s", cfg.Tracking.WriteTimeout)
	}
	if cfg.Policy.Stabilizer.Emotion.MinConfidence != 0.7 {
		t.Errorf("emotion floor = %v, want 0.7", cfg.Policy.Stabilizer.Emotion.MinConfidence)
	}
	if cfg.Retention.Days != 30 {
		t.Errorf("Retention.Days = %d, want 30", cfg.Retention.Days)
	}
}

func TestLoadDefaultsToSQLite(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")
	if got := Load().Database.URL; got != DefaultDatabaseURL {
		t.Errorf("Database.URL = %q, want %q", got, DefaultDatabaseURL)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "resolver:\n  ambiguity_gap: 0.05\nstabilizer:\n  identity:\n    consensus: 6\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicyFile(path, DefaultPolicy())
	if err != nil {
		t.Fatalf("LoadPolicyFile failed: %v", err)
	}
	if p.Resolver.AmbiguityGap != 0.05 {
		t.Errorf("AmbiguityGap = %v, want 0.05", p.Resolver.AmbiguityGap)
	}
	// Untouched keys keep their defaults
	if p.Resolver.IncludeThreshold != 0.35 || p.Stabilizer.Identity.WindowSize != 8 {
		t.Errorf("defaults lost: %+v", p)
	}
	if p.Stabilizer.Identity.Consensus != 6 {
		t.Errorf("Consensus = %d, want 6", p.Stabilizer.Identity.Consensus)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("stabilizer:\n  identity:\n    consensus: 20\n"), 0644)
	if _, err := LoadPolicyFile(bad, DefaultPolicy()); err == nil {
		t.Error("expected error for consensus larger than window")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
