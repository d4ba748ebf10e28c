package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefaultConfigIsValid verifies that the defaults pass validation
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default configuration should be valid, got %v", err)
	}

	if cfg.Correspondence.OverlapThreshold != 0.1 {
		t.Errorf("Expected default overlap threshold 0.1, got %f", cfg.Correspondence.OverlapThreshold)
	}
	if cfg.Normalization.Strategy != StrategyBackgroundTooth {
		t.Errorf("Expected default strategy %s, got %s", StrategyBackgroundTooth, cfg.Normalization.Strategy)
	}
}

// TestValidateRejectsBadValues checks that caller bugs fail fast
func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		mention string
	}{
		{"negative overlap", func(c *Config) { c.Correspondence.OverlapThreshold = -0.1 }, "overlapThreshold"},
		{"overlap above one", func(c *Config) { c.Correspondence.OverlapThreshold = 1.5 }, "overlapThreshold"},
		{"presence above one", func(c *Config) { c.LaminaDura.PresenceConfidence = 2 }, "presenceConfidence"},
		{"zero cores", func(c *Config) { c.Processing.NumCores = 0 }, "numCores"},
		{"degree zero", func(c *Config) { c.Smoothness.Degree = 0 }, "degree"},
		{"too few points", func(c *Config) { c.Smoothness.MinPoints = 2 }, "minPoints"},
		{"unknown strategy", func(c *Config) { c.Normalization.Strategy = "histogram" }, "strategy"},
		{"inverted percentiles", func(c *Config) {
			c.Normalization.LowPercentile = 0.9
			c.Normalization.HighPercentile = 0.1
		}, "percentiles"},
		{"unknown format", func(c *Config) { c.Output.Format = "xml" }, "format"},
		{"zero axis step", func(c *Config) { c.Sampling.AxisStep = 0 }, "axisStep"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected error to wrap ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("Expected error to mention %q, got %v", tt.mention, err)
			}
		})
	}
}

// TestValidateReportsEveryProblem verifies that all problems are joined
func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Correspondence.OverlapThreshold = -1
	cfg.LaminaDura.PresenceConfidence = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, field := range []string{"overlapThreshold", "presenceConfidence"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Expected error to mention %s, got %v", field, err)
		}
	}
}

// TestSaveAndLoadConfig round-trips a customised configuration through YAML
func TestSaveAndLoadConfig(t *testing.T) {
	dir, err := os.MkdirTemp("", "periometry-config-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Correspondence.OverlapThreshold = 0.25
	cfg.Normalization.Strategy = StrategyPercentile
	cfg.Smoothness.Degree = 3

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Correspondence.OverlapThreshold != 0.25 {
		t.Errorf("Expected overlap threshold 0.25, got %f", loaded.Correspondence.OverlapThreshold)
	}
	if loaded.Normalization.Strategy != StrategyPercentile {
		t.Errorf("Expected strategy %s, got %s", StrategyPercentile, loaded.Normalization.Strategy)
	}
	if loaded.Smoothness.Degree != 3 {
		t.Errorf("Expected degree 3, got %d", loaded.Smoothness.Degree)
	}
}

// TestLoadConfigMissingFile returns defaults when no file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(os.TempDir(), "periometry-does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got %v", err)
	}
	if cfg.Smoothness.Degree != DefaultConfig().Smoothness.Degree {
		t.Errorf("Expected default degree, got %d", cfg.Smoothness.Degree)
	}
}

// TestLoadConfigInvalidFile rejects a file that fails validation
func TestLoadConfigInvalidFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "periometry-config-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.yaml")
	content := "correspondence:\n  overlapThreshold: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}
