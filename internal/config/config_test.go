package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxRefTks != 512 || cfg.MaxQueryTks != 512 || cfg.MaxOutputTks != 256 || cfg.MaxScopeTks != 128 {
		t.Fatalf("unexpected token caps: %+v", cfg)
	}
	if cfg.MaxLinesToEdit != 20 || cfg.RefChunkOverlap != 32 {
		t.Fatalf("unexpected chunk settings: %+v", cfg)
	}
	if cfg.MaxTotalRefTks != 32768 || cfg.MaxChunksPerElem != 4 {
		t.Fatalf("unexpected reference budget: %+v", cfg)
	}
	if !cfg.SkipUnchangedProblems {
		t.Error("expected skip_unchanged_problems to default true")
	}
	if cfg.TimeLimitPerCommit != 10*time.Second {
		t.Errorf("expected 10s default time limit, got %v", cfg.TimeLimitPerCommit)
	}
	want := map[string]bool{".venv": true, ".mypy_cache": true, ".git": true, "venv": true, "build": true}
	got := cfg.IgnoreDirSet()
	if len(got) != len(want) {
		t.Fatalf("ignore dir set = %v, want %v", got, want)
	}
	for d := range want {
		if !got[d] {
			t.Errorf("expected ignore dir %q", d)
		}
	}
}

func TestLoadWithLocalOverride(t *testing.T) {
	dir := t.TempDir()
	override := "max_ref_tks = 64\ntraining_mode = true\n"
	if err := os.WriteFile(filepath.Join(dir, ".c3flow.toml"), []byte(override), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), "", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRefTks != 64 {
		t.Errorf("expected local override to set max_ref_tks=64, got %d", cfg.MaxRefTks)
	}
	if !cfg.TrainingMode {
		t.Error("expected local override to set training_mode=true")
	}
	// Unrelated defaults survive the override.
	if cfg.MaxOutputTks != 256 {
		t.Errorf("expected untouched default MaxOutputTks=256, got %d", cfg.MaxOutputTks)
	}
}

func TestLoadWithoutOverrideUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(viper.New(), "", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRefTks != 512 {
		t.Errorf("expected default max_ref_tks=512, got %d", cfg.MaxRefTks)
	}
}
