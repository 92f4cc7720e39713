// Package dataloader turns a planned corpus into bounded training chunks.
package dataloader

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/tsawler/chunktrain/tensor"
	"github.com/tsawler/chunktrain/training"
	"github.com/tsawler/chunktrain/vision/dataset"
	"github.com/tsawler/chunktrain/vision/preprocessing"
)

// Config controls chunk loading.
type Config struct {
	ImageDims []int // [height, width, channels]
	Workers   int   // decode goroutines; <= 0 means GOMAXPROCS
	CacheSize int   // decoded images kept in memory
	Augment   bool  // random flips on the train split
	Seed      int64
	Logger    *zap.SugaredLogger
}

// ChunkLoader implements training.ChunkSupplier. Planning is sequential and
// seeded; composing samples runs on a bounded worker pool and each result is
// written to its own slot, so output does not depend on scheduling.
type ChunkLoader struct {
	corpus    dataset.Corpus
	config    Config
	processor *preprocessing.ImageProcessor
	cache     *CacheManager
	rng       *rand.Rand
	logger    *zap.SugaredLogger
}

var _ training.ChunkSupplier = (*ChunkLoader)(nil)
var _ dataset.ImageLoader = (*ChunkLoader)(nil)

// New creates a loader over corpus.
func New(corpus dataset.Corpus, config Config) (*ChunkLoader, error) {
	processor, err := preprocessing.NewImageProcessor(config.ImageDims)
	if err != nil {
		return nil, err
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ChunkLoader{
		corpus:    corpus,
		config:    config,
		processor: processor,
		cache:     NewCacheManager(config.CacheSize),
		rng:       rand.New(rand.NewSource(config.Seed)),
		logger:    logger,
	}, nil
}

// Load decodes an image through the cache.
func (l *ChunkLoader) Load(path string) ([]float32, error) {
	if data, ok := l.cache.Get(path); ok {
		return data, nil
	}
	data, err := l.processor.LoadFile(path)
	if err != nil {
		return nil, err
	}
	l.cache.Put(path, data)
	return data, nil
}

// CacheStats reports decoded-image cache usage.
func (l *ChunkLoader) CacheStats() CacheStats {
	return l.cache.Stats()
}

type flips struct {
	horizontal bool
	vertical   bool
}

// LoadChunk plans and materializes one chunk of size samples.
func (l *ChunkLoader) LoadChunk(split training.Split, size int) (*training.Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if available := l.corpus.Size(split); size > available {
		return nil, fmt.Errorf("%s chunk size %d exceeds corpus size %d", split, size, available)
	}

	samples, err := l.corpus.Plan(split, size, l.rng)
	if err != nil {
		return nil, err
	}
	if len(samples) != size {
		return nil, fmt.Errorf("corpus planned %d samples, expected %d", len(samples), size)
	}

	augment := make([]flips, size)
	if l.config.Augment && split == training.SplitTrain {
		for i := range augment {
			augment[i] = flips{horizontal: l.rng.Intn(2) == 1, vertical: l.rng.Intn(2) == 1}
		}
	}

	dims := l.config.ImageDims
	sampleSize := l.processor.SampleSize()
	features := make([]float32, size*sampleSize)
	labels := make([]float32, size)

	p := pool.New().WithMaxGoroutines(l.config.Workers).WithErrors().WithFirstError()
	for i, sample := range samples {
		i, sample := i, sample
		labels[i] = sample.Label
		p.Go(func() error {
			data, err := sample.Compose(l)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			if len(data) != sampleSize {
				return fmt.Errorf("sample %d has %d values, expected %d", i, len(data), sampleSize)
			}
			if augment[i].horizontal {
				preprocessing.FlipHorizontal(data, dims[0], dims[1], dims[2])
			}
			if augment[i].vertical {
				preprocessing.FlipVertical(data, dims[0], dims[1], dims[2])
			}
			copy(features[i*sampleSize:], data)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load %s chunk: %w", split, err)
	}

	featureTensor, err := tensor.New(append([]int{size}, dims...), features)
	if err != nil {
		return nil, err
	}
	labelTensor, err := tensor.New([]int{size, 1}, labels)
	if err != nil {
		return nil, err
	}

	l.logger.Debugw("chunk loaded", "split", split.String(), "size", size, "cache", l.CacheStats().String())
	return &training.Chunk{Features: featureTensor, Labels: labelTensor}, nil
}
