package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emdenoise/internal/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 512, cfg.Tiling.PatchSize)
	assert.Equal(t, 256, cfg.Tiling.Stride)
	assert.Equal(t, models.ModelHAADF, cfg.Directories["HAADF"])
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tiling, cfg.Tiling)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Tiling.Workers = 3
	cfg.Tiling.Overlap = "blend"
	cfg.Processing.DefaultModel = models.ModelTEM
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigReplacesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
tiling:
  patchSize: 256
  stride: 192
models:
  - id: haadf
    kind: fourier
    cutoff: 0.4
directories:
  stem_haadf: HAADF
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256, cfg.Tiling.PatchSize)
	assert.Equal(t, 192, cfg.Tiling.Stride)
	assert.Equal(t, 4, cfg.Tiling.BatchSize, "unset fields keep defaults")
	assert.Equal(t, map[string]models.ModelID{"stem_haadf": models.ModelHAADF}, cfg.Directories)
	require.Len(t, cfg.Models, 1)
	assert.InDelta(t, 0.4, cfg.Models[0].Cutoff, 1e-12)
}

func TestLoadConfigRejectsUnknownModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("directories:\n  x: cryo\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero patch", func(c *Config) { c.Tiling.PatchSize = 0 }},
		{"stride above patch", func(c *Config) { c.Tiling.Stride = c.Tiling.PatchSize + 1 }},
		{"zero stride", func(c *Config) { c.Tiling.Stride = 0 }},
		{"zero batch", func(c *Config) { c.Tiling.BatchSize = 0 }},
		{"negative workers", func(c *Config) { c.Tiling.Workers = -1 }},
		{"negative retries", func(c *Config) { c.Processing.Retries = -1 }},
		{"bad overlap", func(c *Config) { c.Tiling.Overlap = "average" }},
		{"duplicate model", func(c *Config) { c.Models = append(c.Models, c.Models[0]) }},
		{"unknown kind", func(c *Config) { c.Models[0].Kind = "unet" }},
		{"even median kernel", func(c *Config) { c.Models[0] = ModelConfig{ID: models.ModelSEM, Kind: KindMedian, Kernel: 4} }},
		{"cutoff out of range", func(c *Config) { c.Models[1].Cutoff = 1.5 }},
		{"unconfigured directory model", func(c *Config) { c.Models = c.Models[:1] }},
		{"unconfigured default model", func(c *Config) {
			c.Models = c.Models[:1]
			c.Directories = nil
			c.Processing.DefaultModel = models.ModelBF
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
