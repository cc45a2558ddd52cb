package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"emdenoise/internal/models"
	"emdenoise/pkg/reconstruction"
)

// SummaryFile is the name of the run summary written to the output directory
const SummaryFile = "summary.yaml"

// ImageResult records what happened to one input image
type ImageResult struct {
	Input   string         `yaml:"input"`
	Output  string         `yaml:"output,omitempty"`
	Model   models.ModelID `yaml:"model"`
	Backend string         `yaml:"backend"`

	Width       int                `yaml:"width,omitempty"`
	Height      int                `yaml:"height,omitempty"`
	DType       string             `yaml:"dtype,omitempty"`
	Calibration models.Calibration `yaml:"calibration,omitempty"`

	// Tiled is set when the image went through patch reconstruction
	Tiled   bool `yaml:"tiled"`
	Patches int  `yaml:"patches,omitempty"`

	// Attempts counts backend runs including retries
	Attempts int     `yaml:"attempts"`
	Seconds  float64 `yaml:"seconds"`

	Metrics *reconstruction.QualityMetrics `yaml:"metrics,omitempty"`
	Error   string                         `yaml:"error,omitempty"`
}

// Failed reports whether the image could not be denoised.
func (r ImageResult) Failed() bool {
	return r.Error != ""
}

// Summary is the outcome of a batch run
type Summary struct {
	Processed int           `yaml:"processed"`
	Failed    int           `yaml:"failed"`
	Skipped   int           `yaml:"skipped"`
	Seconds   float64       `yaml:"seconds"`
	Results   []ImageResult `yaml:"results"`
}

// Err returns an error when any image failed.
func (s *Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d images failed", s.Failed, s.Failed+s.Processed)
}

// Save writes the summary as YAML.
func (s *Summary) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshaling summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing summary: %w", err)
	}
	return nil
}

// LoadSummary reads a summary written by Save.
func LoadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading summary: %w", err)
	}
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error parsing summary: %w", err)
	}
	return &s, nil
}
