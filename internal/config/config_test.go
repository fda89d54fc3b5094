package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Address() != "0.0.0.0:8080" {
		t.Errorf("expected address %q, got %q", "0.0.0.0:8080", cfg.Address())
	}
	if cfg.NetworkAddress() != "0.0.0.0:9000" {
		t.Errorf("expected network address %q, got %q", "0.0.0.0:9000", cfg.NetworkAddress())
	}
	if cfg.Model != "gpe.BEC" {
		t.Errorf("expected model gpe.BEC, got %q", cfg.Model)
	}
	if cfg.Simulation.Steps != 20 || cfg.Simulation.FPS != 20 {
		t.Errorf("unexpected simulation defaults: %+v", cfg.Simulation)
	}
	if cfg.RoundTripTimeout != 5*time.Second {
		t.Errorf("expected 5s round trip timeout, got %v", cfg.RoundTripTimeout)
	}
	if cfg.StorageBackend != "memory" || cfg.DirectoryBackend != "memory" {
		t.Errorf("expected memory backends, got %q/%q", cfg.StorageBackend, cfg.DirectoryBackend)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric steps", "STEPS", "many"},
		{"zero steps", "STEPS", "0"},
		{"negative fps", "FPS", "-1"},
		{"bad storage backend", "STORAGE_BACKEND", "sqlite"},
		{"bad directory backend", "DIRECTORY_BACKEND", "etcd"},
		{"bad timeout", "ROUND_TRIP_TIMEOUT_MS", "soon"},
		{"bad pinned entry", "PINNED_SESSIONS", ":gpe.BEC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestParsePinned(t *testing.T) {
	pinned, err := ParsePinned("demo:gpe.BEC, lobby ,counter:testing.Counter", "testing.Static")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []PinnedSession{
		{Name: "demo", Model: "gpe.BEC"},
		{Name: "lobby", Model: "testing.Static"},
		{Name: "counter", Model: "testing.Counter"},
	}
	if len(pinned) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(pinned))
	}
	for i := range want {
		if pinned[i] != want[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], pinned[i])
		}
	}
}
