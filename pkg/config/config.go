// Package config provides configuration loading and management for periometry.
// It handles loading configuration from YAML files, provides default values
// and validates a configuration before any image is analysed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Normalization reference strategies
const (
	StrategyBackgroundTooth = "background-tooth"
	StrategyBackground      = "background"
	StrategyPercentile      = "percentile"
)

// Report formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config represents the analysis configuration loaded from YAML.
// A Config is built once per run and never mutated while images are processed.
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines process images and teeth concurrently
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Correspondence parameters
	Correspondence struct {
		// OverlapThreshold is the intersection-over-smaller-area a
		// region or mask must exceed to be attached to a tooth
		OverlapThreshold float64 `yaml:"overlapThreshold"`

		// LandmarkMargin grows tooth outlines (in pixels) when testing whether
		// a landmark lies on a tooth
		LandmarkMargin float64 `yaml:"landmarkMargin"`
	} `yaml:"correspondence"`

	// Sampling parameters shared by ribbon thickness and crest tracing
	Sampling struct {
		// MaskThreshold is the probability at which a mask pixel counts as foreground
		MaskThreshold float64 `yaml:"maskThreshold"`

		// AxisStep is the spacing in pixels between cross-sections along an axis
		AxisStep float64 `yaml:"axisStep"`

		// NormalStep is the sub-pixel step used when walking a cross-section
		NormalStep float64 `yaml:"normalStep"`

		// ReachMargin extends cross-sections beyond the tooth outline, in pixels
		ReachMargin float64 `yaml:"reachMargin"`
	} `yaml:"sampling"`

	// Smoothness parameters
	Smoothness struct {
		// Degree is the polynomial degree of the reference curve
		Degree int `yaml:"degree"`

		// MinPoints is the minimum number of boundary points required for a fit
		MinPoints int `yaml:"minPoints"`
	} `yaml:"smoothness"`

	// Lamina dura presence parameters
	LaminaDura struct {
		// PresenceConfidence is the mask confidence below which the lamina dura
		// is reported absent
		PresenceConfidence float64 `yaml:"presenceConfidence"`

		// MinArea is the pixel area below which the lamina dura is reported absent
		MinArea int `yaml:"minArea"`
	} `yaml:"laminaDura"`

	// Intensity normalization parameters
	Normalization struct {
		// Strategy selects the reference region: background-tooth, background or percentile
		Strategy string `yaml:"strategy"`

		// LowPercentile and HighPercentile bound the percentile strategy, in [0,1]
		LowPercentile  float64 `yaml:"lowPercentile"`
		HighPercentile float64 `yaml:"highPercentile"`

		// MinReferencePixels is the smallest usable reference population
		MinReferencePixels int `yaml:"minReferencePixels"`

		// MaxSaturation is the largest tolerated fraction of clipped reference pixels
		MaxSaturation float64 `yaml:"maxSaturation"`

		// MinContrast is the smallest tolerated reference spread, as a fraction of full scale
		MinContrast float64 `yaml:"minContrast"`

		// SampleStride subsamples the image when collecting reference pixels
		SampleStride int `yaml:"sampleStride"`
	} `yaml:"normalization"`

	// Output parameters
	Output struct {
		// Format is the report serialization format: json or yaml
		Format string `yaml:"format"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Correspondence.OverlapThreshold = 0.1
	cfg.Correspondence.LandmarkMargin = 2.0

	cfg.Sampling.MaskThreshold = 0.5
	cfg.Sampling.AxisStep = 1.0
	cfg.Sampling.NormalStep = 0.1
	cfg.Sampling.ReachMargin = 15.0

	cfg.Smoothness.Degree = 2
	cfg.Smoothness.MinPoints = 5

	cfg.LaminaDura.PresenceConfidence = 0.5
	cfg.LaminaDura.MinArea = 20

	cfg.Normalization.Strategy = StrategyBackgroundTooth
	cfg.Normalization.LowPercentile = 0.02
	cfg.Normalization.HighPercentile = 0.98
	cfg.Normalization.MinReferencePixels = 50
	cfg.Normalization.MaxSaturation = 0.5
	cfg.Normalization.MinContrast = 0.02
	cfg.Normalization.SampleStride = 1

	cfg.Output.Format = FormatJSON
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks every parameter and returns all problems at once.
// The returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.NumCores >= 1, "processing.numCores must be at least 1, got %d", c.Processing.NumCores)

	check(c.Correspondence.OverlapThreshold >= 0 && c.Correspondence.OverlapThreshold <= 1,
		"correspondence.overlapThreshold must be in [0,1], got %g", c.Correspondence.OverlapThreshold)
	check(c.Correspondence.LandmarkMargin >= 0,
		"correspondence.landmarkMargin must be non-negative, got %g", c.Correspondence.LandmarkMargin)

	check(c.Sampling.MaskThreshold > 0 && c.Sampling.MaskThreshold <= 1,
		"sampling.maskThreshold must be in (0,1], got %g", c.Sampling.MaskThreshold)
	check(c.Sampling.AxisStep > 0, "sampling.axisStep must be positive, got %g", c.Sampling.AxisStep)
	check(c.Sampling.NormalStep > 0 && c.Sampling.NormalStep <= 1,
		"sampling.normalStep must be in (0,1], got %g", c.Sampling.NormalStep)
	check(c.Sampling.ReachMargin >= 0, "sampling.reachMargin must be non-negative, got %g", c.Sampling.ReachMargin)

	check(c.Smoothness.Degree >= 1 && c.Smoothness.Degree <= 5,
		"smoothness.degree must be in [1,5], got %d", c.Smoothness.Degree)
	check(c.Smoothness.MinPoints >= c.Smoothness.Degree+2,
		"smoothness.minPoints must be at least degree+2 (%d), got %d", c.Smoothness.Degree+2, c.Smoothness.MinPoints)

	check(c.LaminaDura.PresenceConfidence >= 0 && c.LaminaDura.PresenceConfidence <= 1,
		"laminaDura.presenceConfidence must be in [0,1], got %g", c.LaminaDura.PresenceConfidence)
	check(c.LaminaDura.MinArea >= 0, "laminaDura.minArea must be non-negative, got %d", c.LaminaDura.MinArea)

	switch c.Normalization.Strategy {
	case StrategyBackgroundTooth, StrategyBackground, StrategyPercentile:
	default:
		errs = append(errs, fmt.Errorf("normalization.strategy %q is not one of %s, %s, %s",
			c.Normalization.Strategy, StrategyBackgroundTooth, StrategyBackground, StrategyPercentile))
	}
	check(c.Normalization.LowPercentile >= 0 && c.Normalization.LowPercentile < c.Normalization.HighPercentile &&
		c.Normalization.HighPercentile <= 1,
		"normalization percentiles must satisfy 0 <= low < high <= 1, got %g and %g",
		c.Normalization.LowPercentile, c.Normalization.HighPercentile)
	check(c.Normalization.MinReferencePixels >= 1,
		"normalization.minReferencePixels must be at least 1, got %d", c.Normalization.MinReferencePixels)
	check(c.Normalization.MaxSaturation >= 0 && c.Normalization.MaxSaturation <= 1,
		"normalization.maxSaturation must be in [0,1], got %g", c.Normalization.MaxSaturation)
	check(c.Normalization.MinContrast > 0 && c.Normalization.MinContrast < 1,
		"normalization.minContrast must be in (0,1), got %g", c.Normalization.MinContrast)
	check(c.Normalization.SampleStride >= 1,
		"normalization.sampleStride must be at least 1, got %d", c.Normalization.SampleStride)

	check(c.Output.Format == FormatJSON || c.Output.Format == FormatYAML,
		"output.format must be %s or %s, got %q", FormatJSON, FormatYAML, c.Output.Format)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
// The loaded configuration is validated before it is returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
