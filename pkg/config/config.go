// Package config provides configuration loading and management for emdenoise.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"emdenoise/internal/models"
)

// Backend kinds understood by the inference package
const (
	KindIdentity = "identity"
	KindFourier  = "fourier"
	KindMedian   = "median"
)

// ModelConfig describes how to build the backend for one model identifier
type ModelConfig struct {
	// ID is the model identifier directories refer to
	ID models.ModelID `yaml:"id"`

	// Kind selects the backend implementation
	Kind string `yaml:"kind"`

	// Cutoff is the Fourier low-pass cutoff as a fraction of Nyquist
	Cutoff float64 `yaml:"cutoff,omitempty"`

	// Kernel is the median window edge length (odd)
	Kernel int `yaml:"kernel,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// DefaultModel is used for images directly inside the input
		// directory. Leave empty to skip them.
		DefaultModel models.ModelID `yaml:"defaultModel"`

		// Retries is how many times an image is re-run after a backend failure
		Retries int `yaml:"retries"`

		// Metrics enables quality metrics for every denoised image
		Metrics bool `yaml:"metrics"`

		// Summary writes summary.yaml into the output directory
		Summary bool `yaml:"summary"`

		// Extensions lists the file extensions treated as TIFF input
		Extensions []string `yaml:"extensions"`
	} `yaml:"processing"`

	// Tiling parameters
	Tiling struct {
		// PatchSize is the edge length of the patches fed to the model
		PatchSize int `yaml:"patchSize"`

		// Stride is the distance between patch origins
		Stride int `yaml:"stride"`

		// BatchSize is the number of patches per inference call
		BatchSize int `yaml:"batchSize"`

		// Workers bounds concurrent inference calls per image
		Workers int `yaml:"workers"`

		// MaxDirectSize is the largest edge length denoised in a single
		// call; larger images are tiled
		MaxDirectSize int `yaml:"maxDirectSize"`

		// Overlap is "overwrite" or "blend"
		Overlap string `yaml:"overlap"`
	} `yaml:"tiling"`

	// Models lists the available denoising models
	Models []ModelConfig `yaml:"models"`

	// Directories maps an input sub-directory name to a model identifier
	Directories map[string]models.ModelID `yaml:"directories"`

	// Output parameters
	Output struct {
		// Suffix is appended to the base name of every output file
		Suffix string `yaml:"suffix"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogLevel is debug, info, warn or error; empty defers to LOG_LEVEL
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.DefaultModel = models.ModelUnknown
	cfg.Processing.Retries = 1
	cfg.Processing.Metrics = true
	cfg.Processing.Summary = true
	cfg.Processing.Extensions = []string{".tif", ".tiff"}

	cfg.Tiling.PatchSize = 512
	cfg.Tiling.Stride = 256
	cfg.Tiling.BatchSize = 4
	cfg.Tiling.Workers = runtime.NumCPU()
	cfg.Tiling.MaxDirectSize = 1024
	cfg.Tiling.Overlap = "overwrite"

	cfg.Models = []ModelConfig{
		{ID: models.ModelSEM, Kind: KindMedian, Kernel: 3},
		{ID: models.ModelTEM, Kind: KindFourier, Cutoff: 0.5},
		{ID: models.ModelHAADF, Kind: KindFourier, Cutoff: 0.35},
		{ID: models.ModelBF, Kind: KindFourier, Cutoff: 0.5},
	}

	cfg.Directories = map[string]models.ModelID{
		"SEM":   models.ModelSEM,
		"TEM":   models.ModelTEM,
		"HAADF": models.ModelHAADF,
		"BF":    models.ModelBF,
	}

	cfg.Output.Suffix = "_denoised"
	cfg.Output.Verbose = false
	cfg.Output.LogLevel = ""

	return cfg
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	t := c.Tiling
	switch {
	case t.PatchSize <= 0:
		return fmt.Errorf("tiling.patchSize %d must be positive", t.PatchSize)
	case t.Stride <= 0 || t.Stride > t.PatchSize:
		return fmt.Errorf("tiling.stride %d must be in (0, %d]", t.Stride, t.PatchSize)
	case t.BatchSize <= 0:
		return fmt.Errorf("tiling.batchSize %d must be positive", t.BatchSize)
	case t.Workers < 0:
		return fmt.Errorf("tiling.workers %d must not be negative", t.Workers)
	case t.MaxDirectSize < 0:
		return fmt.Errorf("tiling.maxDirectSize %d must not be negative", t.MaxDirectSize)
	case c.Processing.Retries < 0:
		return fmt.Errorf("processing.retries %d must not be negative", c.Processing.Retries)
	}

	switch strings.ToLower(t.Overlap) {
	case "", "overwrite", "blend":
	default:
		return fmt.Errorf("tiling.overlap %q must be overwrite or blend", t.Overlap)
	}

	known := make(map[models.ModelID]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == models.ModelUnknown {
			return fmt.Errorf("models[%d]: missing id", i)
		}
		if known[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id %s", i, m.ID)
		}
		known[m.ID] = true

		switch m.Kind {
		case KindIdentity:
		case KindFourier:
			if !(m.Cutoff > 0 && m.Cutoff <= 1) {
				return fmt.Errorf("models[%d]: cutoff %g must be in (0, 1]", i, m.Cutoff)
			}
		case KindMedian:
			if m.Kernel < 1 || m.Kernel%2 == 0 {
				return fmt.Errorf("models[%d]: kernel %d must be a positive odd number", i, m.Kernel)
			}
		default:
			return fmt.Errorf("models[%d]: unknown kind %q", i, m.Kind)
		}
	}

	for dir, id := range c.Directories {
		if !known[id] {
			return fmt.Errorf("directories[%s]: model %s is not configured", dir, id)
		}
	}
	if id := c.Processing.DefaultModel; id != models.ModelUnknown && !known[id] {
		return fmt.Errorf("processing.defaultModel %s is not configured", id)
	}

	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// yaml.v3 merges into existing maps; a file that lists directories
	// replaces the default mapping instead of extending it.
	defaultDirs := cfg.Directories
	cfg.Directories = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if cfg.Directories == nil {
		cfg.Directories = defaultDirs
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
