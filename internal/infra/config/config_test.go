package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_SaneValues(t *testing.T) {
	cfg := Default()
	if cfg.Search.RRFK != 60 {
		t.Errorf("RRFK = %d, want 60", cfg.Search.RRFK)
	}
	if cfg.Anomaly.ZScoreThreshold != 3.0 {
		t.Errorf("ZScoreThreshold = %v, want 3.0", cfg.Anomaly.ZScoreThreshold)
	}
	if cfg.Worker.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.JobTimeout != 120*time.Second {
		t.Errorf("JobTimeout = %v, want 120s", cfg.Worker.JobTimeout)
	}
	if cfg.OCRMode != "auto" {
		t.Errorf("OCRMode = %q, want auto", cfg.OCRMode)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arkham.yml")
	body := "ocr_mode: qwen_only\nembed:\n  model: all-minilm\n  batch_size: 8\nsearch:\n  rrf_k: 30\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARKHAM_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OCRMode != "qwen_only" {
		t.Errorf("OCRMode = %q, want qwen_only", cfg.OCRMode)
	}
	if cfg.Embed.Model != "all-minilm" {
		t.Errorf("Embed.Model = %q, want all-minilm", cfg.Embed.Model)
	}
	if cfg.Embed.BatchSize != 8 {
		t.Errorf("Embed.BatchSize = %d, want 8", cfg.Embed.BatchSize)
	}
	if cfg.Search.RRFK != 30 {
		t.Errorf("RRFK = %d, want 30", cfg.Search.RRFK)
	}
	// Untouched fields keep their defaults.
	if cfg.Parse.ChunkSize != 1000 {
		t.Errorf("ChunkSize = %d, want default 1000", cfg.Parse.ChunkSize)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arkham.yml")
	if err := os.WriteFile(path, []byte("ocr_mode: paddle_only\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARKHAM_CONFIG", path)
	t.Setenv("ARKHAM_OCR_MODE", "qwen_only")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OCRMode != "qwen_only" {
		t.Errorf("OCRMode = %q, want env override qwen_only", cfg.OCRMode)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	t.Setenv("ARKHAM_CONFIG", "/nonexistent/arkham.yml")
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}
