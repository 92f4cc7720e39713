// Package config loads the YAML run file that drives a training session.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the run file.
const (
	EnvOutputDir = "CHUNKTRAIN_OUTPUT_DIR"
	EnvLogLevel  = "CHUNKTRAIN_LOG_LEVEL"
	EnvLedgerDSN = "CHUNKTRAIN_LEDGER_DSN"
)

// Config is the complete run configuration.
type Config struct {
	NetName             string    `yaml:"net_name"`
	NumChunks           int       `yaml:"num_chunks"`
	ChunkSize           int       `yaml:"chunksize"`
	ValidationChunkSize int       `yaml:"validation_chunksize"`
	ChunkSaveInterval   int       `yaml:"chunk_save_interval"`
	ChunkPlotInterval   int       `yaml:"chunk_plot_interval"`
	NetBatchSize        int       `yaml:"net_batch_size"`
	NetEpochs           int       `yaml:"net_epochs"`
	NetLearningRate     float64   `yaml:"net_learning_rate"`
	NetHiddenUnits      []int     `yaml:"net_hidden_units"`
	ImgDims             []int     `yaml:"img_dims"`
	Seed                int64     `yaml:"seed"`
	AlphaScaling        []float64 `yaml:"mock_lens_alpha_scaling"`
	NumWorkers          int       `yaml:"num_workers"`
	CacheSize           int       `yaml:"cache_size"`

	Dataset DatasetConfig `yaml:"dataset"`
	Output  OutputConfig  `yaml:"output"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Log     LogConfig     `yaml:"log"`
}

// DatasetConfig selects the corpus.
type DatasetConfig struct {
	Kind               string  `yaml:"kind"` // "lens" or "synthetic"
	LensesDir          string  `yaml:"lenses_dir"`
	NegativesDir       string  `yaml:"negatives_dir"`
	SourcesDir         string  `yaml:"sources_dir"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	SyntheticImages    int     `yaml:"synthetic_images"`
}

// OutputConfig names the artifacts. File names are relative to Dir.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	Weights      string `yaml:"weights"`
	Model        string `yaml:"model"`
	History      string `yaml:"history"`
	Plot         string `yaml:"plot"`
	Architecture string `yaml:"architecture"`
}

// LedgerConfig enables the SQL mirror of the session log when Driver is set.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // "", "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`
}

// SidecarConfig enables publishing plots to a sidecar when URL is set.
type SidecarConfig struct {
	URL string `yaml:"url"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NetName:             "LensNet",
		NumChunks:           100,
		ChunkSize:           256,
		ValidationChunkSize: 64,
		ChunkSaveInterval:   10,
		ChunkPlotInterval:   5,
		NetBatchSize:        32,
		NetEpochs:           1,
		NetLearningRate:     0.001,
		NetHiddenUnits:      []int{128, 32},
		ImgDims:             []int{101, 101, 1},
		Seed:                1,
		AlphaScaling:        []float64{0.02, 0.30},
		CacheSize:           1024,
		Dataset: DatasetConfig{
			Kind:               "lens",
			ValidationFraction: 0.1,
			SyntheticImages:    4096,
		},
		Output: OutputConfig{
			Dir:          "runs/default",
			Weights:      "weights.json",
			Model:        "model.pb",
			History:      "history.csv",
			Plot:         "history.png",
			Architecture: "net_architecture.txt",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. Relative dataset and output directories are
// resolved against the directory of path.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read run file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse run file %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for _, dir := range []*string{&cfg.Dataset.LensesDir, &cfg.Dataset.NegativesDir, &cfg.Dataset.SourcesDir, &cfg.Output.Dir} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(base, *dir)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if it exists.
// Variables already set are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables read with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvOutputDir); v != "" {
		c.Output.Dir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := getenv(EnvLedgerDSN); v != "" {
		c.Ledger.DSN = v
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value int
	}{
		{"num_chunks", c.NumChunks},
		{"chunksize", c.ChunkSize},
		{"validation_chunksize", c.ValidationChunkSize},
		{"chunk_save_interval", c.ChunkSaveInterval},
		{"chunk_plot_interval", c.ChunkPlotInterval},
		{"net_batch_size", c.NetBatchSize},
		{"net_epochs", c.NetEpochs},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}
	if c.NetLearningRate <= 0 {
		errs = append(errs, fmt.Errorf("net_learning_rate must be positive, got %v", c.NetLearningRate))
	}
	for _, u := range c.NetHiddenUnits {
		if u <= 0 {
			errs = append(errs, fmt.Errorf("net_hidden_units must be positive, got %v", c.NetHiddenUnits))
			break
		}
	}
	if len(c.ImgDims) != 3 || c.ImgDims[0] <= 0 || c.ImgDims[1] <= 0 || (c.ImgDims[2] != 1 && c.ImgDims[2] != 3) {
		errs = append(errs, fmt.Errorf("img_dims must be [height, width, 1|3], got %v", c.ImgDims))
	}

	switch c.Dataset.Kind {
	case "lens":
		if len(c.AlphaScaling) != 2 || c.AlphaScaling[0] > c.AlphaScaling[1] {
			errs = append(errs, fmt.Errorf("mock_lens_alpha_scaling must be [min, max], got %v", c.AlphaScaling))
		}
		if c.Dataset.LensesDir == "" || c.Dataset.NegativesDir == "" || c.Dataset.SourcesDir == "" {
			errs = append(errs, errors.New("lens dataset needs lenses_dir, negatives_dir and sources_dir"))
		}
		if c.Dataset.ValidationFraction <= 0 || c.Dataset.ValidationFraction >= 1 {
			errs = append(errs, fmt.Errorf("validation_fraction must be in (0, 1), got %v", c.Dataset.ValidationFraction))
		}
	case "synthetic":
		if c.Dataset.SyntheticImages < c.ChunkSize || c.Dataset.SyntheticImages < c.ValidationChunkSize {
			errs = append(errs, fmt.Errorf("synthetic_images %d is smaller than a chunk", c.Dataset.SyntheticImages))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dataset kind %q", c.Dataset.Kind))
	}

	switch c.Ledger.Driver {
	case "":
	case "sqlite", "mysql":
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger driver %s needs a dsn", c.Ledger.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}

	if c.Output.Dir == "" || c.Output.Weights == "" || c.Output.Model == "" || c.Output.History == "" || c.Output.Plot == "" {
		errs = append(errs, errors.New("output dir, weights, model, history and plot are required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) outputPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Output.Dir, name)
}

// WeightsPath is where checkpoints and final weights are written.
func (c Config) WeightsPath() string { return c.outputPath(c.Output.Weights) }

// ModelPath is where the full model is written on a memory reset.
func (c Config) ModelPath() string { return c.outputPath(c.Output.Model) }

// HistoryPath is the session log.
func (c Config) HistoryPath() string { return c.outputPath(c.Output.History) }

// PlotPath is the rendered history image.
func (c Config) PlotPath() string { return c.outputPath(c.Output.Plot) }

// ArchitecturePath is the one-time architecture dump; empty disables it.
func (c Config) ArchitecturePath() string { return c.outputPath(c.Output.Architecture) }
