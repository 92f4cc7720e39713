package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const runFile = `
net_name: TestNet
num_chunks: 3
chunksize: 16
validation_chunksize: 8
chunk_save_interval: 1
chunk_plot_interval: 2
net_batch_size: 4
net_epochs: 2
net_learning_rate: 0.01
net_hidden_units: [16]
img_dims: [8, 8, 1]
seed: 7
mock_lens_alpha_scaling: [0.05, 0.2]
dataset:
  kind: lens
  lenses_dir: data/lenses
  negatives_dir: data/negatives
  sources_dir: /abs/sources
  validation_fraction: 0.25
output:
  dir: out
`

func writeRunFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRunFile(t *testing.T) {
	t.Setenv(EnvOutputDir, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLedgerDSN, "")

	path := writeRunFile(t, runFile)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	base := filepath.Dir(path)
	if cfg.NumChunks != 3 || cfg.ChunkSize != 16 || cfg.ValidationChunkSize != 8 {
		t.Errorf("chunk settings not loaded: %+v", cfg)
	}
	if cfg.NetName != "TestNet" || cfg.NetLearningRate != 0.01 || len(cfg.NetHiddenUnits) != 1 {
		t.Errorf("network settings not loaded: %+v", cfg)
	}
	if cfg.Dataset.LensesDir != filepath.Join(base, "data/lenses") {
		t.Errorf("relative dir not resolved: %s", cfg.Dataset.LensesDir)
	}
	if cfg.Dataset.SourcesDir != "/abs/sources" {
		t.Errorf("absolute dir changed: %s", cfg.Dataset.SourcesDir)
	}
	if cfg.WeightsPath() != filepath.Join(base, "out", "weights.json") {
		t.Errorf("unexpected weights path %s", cfg.WeightsPath())
	}
	if cfg.Output.History != "history.csv" {
		t.Errorf("default history name lost: %q", cfg.Output.History)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvOutputDir, "/tmp/override")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLedgerDSN, "")

	cfg, err := Load(writeRunFile(t, runFile))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Output.Dir != "/tmp/override" {
		t.Errorf("output dir not overridden: %s", cfg.Output.Dir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level not overridden: %s", cfg.Log.Level)
	}
	if cfg.PlotPath() != "/tmp/override/history.png" {
		t.Errorf("unexpected plot path %s", cfg.PlotPath())
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}

	envPath := filepath.Join(dir, ".env")
	os.WriteFile(envPath, []byte("CHUNKTRAIN_TEST_DOTENV=from-file\n"), 0644)
	t.Setenv("CHUNKTRAIN_TEST_DOTENV", "")
	os.Unsetenv("CHUNKTRAIN_TEST_DOTENV")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("CHUNKTRAIN_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected value from .env, got %q", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]func(c *Config){
		"zero chunks":      func(c *Config) { c.NumChunks = 0 },
		"zero interval":    func(c *Config) { c.ChunkSaveInterval = 0 },
		"bad dims":         func(c *Config) { c.ImgDims = []int{8, 8} },
		"bad channels":     func(c *Config) { c.ImgDims = []int{8, 8, 2} },
		"bad alpha":        func(c *Config) { c.AlphaScaling = []float64{0.5, 0.1} },
		"missing dirs":     func(c *Config) { c.Dataset.LensesDir = "" },
		"unknown kind":     func(c *Config) { c.Dataset.Kind = "video" },
		"ledger no dsn":    func(c *Config) { c.Ledger.Driver = "sqlite" },
		"unknown ledger":   func(c *Config) { c.Ledger.Driver = "oracle"; c.Ledger.DSN = "x" },
		"no learning rate": func(c *Config) { c.NetLearningRate = 0 },
		"small synthetic": func(c *Config) {
			c.Dataset.Kind = "synthetic"
			c.Dataset.SyntheticImages = 1
		},
	}
	for name, mutate := range tests {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateNamesEveryNonPositiveField(t *testing.T) {
	cfg := validConfig()
	cfg.NumChunks = 0
	cfg.ChunkSize = -1
	cfg.ValidationChunkSize = 0
	cfg.ChunkSaveInterval = 0
	cfg.ChunkPlotInterval = 0
	cfg.NetBatchSize = 0
	cfg.NetEpochs = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, name := range []string{
		"num_chunks must be positive, got 0",
		"chunksize must be positive, got -1",
		"validation_chunksize must be positive",
		"chunk_save_interval must be positive",
		"chunk_plot_interval must be positive",
		"net_batch_size must be positive",
		"net_epochs must be positive",
	} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %q: %v", name, err)
		}
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.Dataset.LensesDir = "l"
	cfg.Dataset.NegativesDir = "n"
	cfg.Dataset.SourcesDir = "s"
	return cfg
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeRunFile(t, "num_chunks: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
	_, err := Load(writeRunFile(t, "num_chunks: -1\n"))
	if err == nil || !strings.Contains(err.Error(), "num_chunks") {
		t.Errorf("expected num_chunks validation error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Development: true})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.Desugar().Core().Enabled(-1) {
		t.Error("debug should be disabled at warn level")
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}
