package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/chunktrain/training"
	"github.com/tsawler/chunktrain/vision/preprocessing"
)

// LensCorpusConfig points at the three image folders of a mock-lens corpus.
type LensCorpusConfig struct {
	LensesDir          string
	NegativesDir       string
	SourcesDir         string
	ValidationFraction float64
	AlphaMin           float64
	AlphaMax           float64
	Seed               int64
}

type lensSplit struct {
	lenses    []string
	negatives []string
	sources   []string
}

// LensCorpus composes positives as lens + alpha*source and uses negative
// images unchanged. Each chunk is half positives and half negatives in a
// shuffled order.
type LensCorpus struct {
	config LensCorpusConfig
	splits map[training.Split]lensSplit
}

var _ Corpus = (*LensCorpus)(nil)

// NewLensCorpus scans and splits the three folders.
func NewLensCorpus(config LensCorpusConfig) (*LensCorpus, error) {
	if config.AlphaMin > config.AlphaMax {
		return nil, fmt.Errorf("alpha range [%v, %v] is empty", config.AlphaMin, config.AlphaMax)
	}

	dirs := []string{config.LensesDir, config.NegativesDir, config.SourcesDir}
	train := make([][]string, 3)
	validation := make([][]string, 3)
	for i, dir := range dirs {
		folder, err := ScanImages(dir, nil)
		if err != nil {
			return nil, err
		}
		tr, val, err := folder.Split(config.ValidationFraction, config.Seed+int64(i))
		if err != nil {
			return nil, err
		}
		train[i], validation[i] = tr.Paths, val.Paths
	}

	return &LensCorpus{
		config: config,
		splits: map[training.Split]lensSplit{
			training.SplitTrain:      {lenses: train[0], negatives: train[1], sources: train[2]},
			training.SplitValidation: {lenses: validation[0], negatives: validation[1], sources: validation[2]},
		},
	}, nil
}

// Size returns the number of lens plus negative images in split.
func (c *LensCorpus) Size(split training.Split) int {
	s := c.splits[split]
	return len(s.lenses) + len(s.negatives)
}

// Plan draws size/2 distinct lenses (rounded down) and the remaining
// negatives without replacement. Sources are drawn with replacement.
func (c *LensCorpus) Plan(split training.Split, size int, rng *rand.Rand) ([]Sample, error) {
	s, ok := c.splits[split]
	if !ok {
		return nil, fmt.Errorf("unknown split %v", split)
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	nPos := size / 2
	nNeg := size - nPos
	if nPos > len(s.lenses) {
		return nil, fmt.Errorf("%s chunk of %d needs %d lenses, only %d available", split, size, nPos, len(s.lenses))
	}
	if nNeg > len(s.negatives) {
		return nil, fmt.Errorf("%s chunk of %d needs %d negatives, only %d available", split, size, nNeg, len(s.negatives))
	}

	samples := make([]Sample, 0, size)
	for _, idx := range rng.Perm(len(s.lenses))[:nPos] {
		lens := s.lenses[idx]
		source := s.sources[rng.Intn(len(s.sources))]
		alpha := c.config.AlphaMin + rng.Float64()*(c.config.AlphaMax-c.config.AlphaMin)
		samples = append(samples, Sample{Label: 1, Compose: mockLens(lens, source, float32(alpha))})
	}
	for _, idx := range rng.Perm(len(s.negatives))[:nNeg] {
		samples = append(samples, Sample{Label: 0, Compose: plainImage(s.negatives[idx])})
	}

	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})
	return samples, nil
}

func mockLens(lensPath, sourcePath string, alpha float32) func(ImageLoader) ([]float32, error) {
	return func(images ImageLoader) ([]float32, error) {
		lens, err := images.Load(lensPath)
		if err != nil {
			return nil, err
		}
		source, err := images.Load(sourcePath)
		if err != nil {
			return nil, err
		}
		if len(lens) != len(source) {
			return nil, fmt.Errorf("lens %s and source %s differ in size", lensPath, sourcePath)
		}
		out := make([]float32, len(lens))
		for i := range out {
			out[i] = lens[i] + alpha*source[i]
		}
		preprocessing.NormalizeMinMax(out)
		return out, nil
	}
}

func plainImage(path string) func(ImageLoader) ([]float32, error) {
	return func(images ImageLoader) ([]float32, error) {
		data, err := images.Load(path)
		if err != nil {
			return nil, err
		}
		return append([]float32(nil), data...), nil
	}
}
