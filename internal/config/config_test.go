package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "DATABASE_URL", "LOG_LEVEL", "LOG_FORMAT", "VOTE_RATE_PER_MIN", "VOTE_BURST", "ROOM_IDLE_TTL", "SWEEP_INTERVAL", "SERVER_URL", "CONFIG_FILE"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, "")
	}
	if cfg.VotesPerMin != 60 || cfg.VoteBurst != 10 {
		t.Errorf("vote limits = %d/%d, want 60/10", cfg.VotesPerMin, cfg.VoteBurst)
	}
	if cfg.RoomIdleTTL != 10*time.Minute {
		t.Errorf("RoomIdleTTL = %v, want 10m", cfg.RoomIdleTTL)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3000")
	t.Setenv("DATABASE_URL", "postgres://localhost/estimator")
	t.Setenv("VOTE_RATE_PER_MIN", "30")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("ROOM_IDLE_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("Port = %q, want %q", cfg.Port, "3000")
	}
	if cfg.DatabaseURL != "postgres://localhost/estimator" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.VotesPerMin != 30 {
		t.Errorf("VotesPerMin = %d, want 30", cfg.VotesPerMin)
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want console", cfg.LogFormat)
	}
	if cfg.RoomIdleTTL != 90*time.Second {
		t.Errorf("RoomIdleTTL = %v, want 90s", cfg.RoomIdleTTL)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("VOTE_BURST", "abc")
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.VoteBurst != 10 {
		t.Errorf("VoteBurst = %d, want %d (fallback)", cfg.VoteBurst, 10)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m (fallback)", cfg.SweepInterval)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "estimator.yaml")
	if err := os.WriteFile(path, []byte("port: \"9090\"\nvote_burst: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("VOTE_BURST", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090 from file", cfg.Port)
	}
	if cfg.VoteBurst != 4 {
		t.Errorf("VoteBurst = %d, want env to win over file", cfg.VoteBurst)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("Load() with missing file: want error")
	}
}
