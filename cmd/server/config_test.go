package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("RELAY_BACKEND", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("GC_INTERVAL_MINUTES", "")
	t.Setenv("GC_MAX_AGE_HOURS", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.StagingDir != "./data/staging" || cfg.MediaDir != "./data/media" {
		t.Fatalf("unexpected dirs: %s %s", cfg.StagingDir, cfg.MediaDir)
	}
	if cfg.RelayBackend != "memory" || cfg.StorageBackend != "local" {
		t.Fatalf("unexpected backends: %s %s", cfg.RelayBackend, cfg.StorageBackend)
	}
	if cfg.Quality != "medium" {
		t.Fatalf("unexpected quality: %s", cfg.Quality)
	}
	if cfg.GCInterval != time.Hour || cfg.GCMaxAge != 6*time.Hour {
		t.Fatalf("unexpected gc settings: %v %v", cfg.GCInterval, cfg.GCMaxAge)
	}
}

func TestLoadConfigInvalidGCInterval(t *testing.T) {
	t.Setenv("GC_INTERVAL_MINUTES", "not-a-number")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid GC_INTERVAL_MINUTES")
	}

	t.Setenv("GC_INTERVAL_MINUTES", "0")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for zero GC_INTERVAL_MINUTES")
	}
}

func TestLoadConfigInvalidBackends(t *testing.T) {
	t.Setenv("RELAY_BACKEND", "carrier-pigeon")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid RELAY_BACKEND")
	}
	t.Setenv("RELAY_BACKEND", "memory")

	t.Setenv("STORAGE_BACKEND", "floppy")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid STORAGE_BACKEND")
	}
}
