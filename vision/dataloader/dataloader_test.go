package dataloader

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/tsawler/chunktrain/training"
	"github.com/tsawler/chunktrain/vision/dataset"
)

var testDims = []int{4, 4, 1}

func newSyntheticLoader(t *testing.T, seed int64, workers int, augment bool) *ChunkLoader {
	t.Helper()
	corpus, err := dataset.NewSyntheticCorpus(testDims, 64)
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(corpus, Config{ImageDims: testDims, Workers: workers, Augment: augment, Seed: seed})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestLoadChunkShapes(t *testing.T) {
	l := newSyntheticLoader(t, 1, 4, false)
	chunk, err := l.LoadChunk(training.SplitTrain, 10)
	if err != nil {
		t.Fatalf("LoadChunk failed: %v", err)
	}
	if got := chunk.Features.Shape; len(got) != 4 || got[0] != 10 || got[1] != 4 || got[2] != 4 || got[3] != 1 {
		t.Errorf("unexpected feature shape %v", got)
	}
	if chunk.Labels.Shape[0] != 10 || chunk.Labels.Shape[1] != 1 {
		t.Errorf("unexpected label shape %v", chunk.Labels.Shape)
	}
	if chunk.Len() != 10 {
		t.Errorf("expected 10 samples, got %d", chunk.Len())
	}
}

func TestLoadChunkDeterministicAcrossWorkerCounts(t *testing.T) {
	for _, augment := range []bool{false, true} {
		a := newSyntheticLoader(t, 9, 1, augment)
		b := newSyntheticLoader(t, 9, 8, augment)

		for i := 0; i < 3; i++ {
			ca, err := a.LoadChunk(training.SplitTrain, 16)
			if err != nil {
				t.Fatal(err)
			}
			cb, err := b.LoadChunk(training.SplitTrain, 16)
			if err != nil {
				t.Fatal(err)
			}
			if !ca.Features.Equal(cb.Features) || !ca.Labels.Equal(cb.Labels) {
				t.Errorf("augment=%v chunk %d differs between 1 and 8 workers", augment, i)
			}
		}
	}
}

func TestLoadChunkRejectsOversize(t *testing.T) {
	l := newSyntheticLoader(t, 1, 2, false)
	if _, err := l.LoadChunk(training.SplitValidation, 65); err == nil {
		t.Error("expected error for chunk larger than corpus")
	}
	if _, err := l.LoadChunk(training.SplitValidation, 0); err == nil {
		t.Error("expected error for zero chunk size")
	}
}

type failingCorpus struct{}

func (failingCorpus) Size(training.Split) int { return 10 }

func (failingCorpus) Plan(split training.Split, size int, rng *rand.Rand) ([]dataset.Sample, error) {
	samples := make([]dataset.Sample, size)
	for i := range samples {
		i := i
		samples[i] = dataset.Sample{Compose: func(dataset.ImageLoader) ([]float32, error) {
			if i == 3 {
				return nil, errors.New("corrupt image")
			}
			return make([]float32, 16), nil
		}}
	}
	return samples, nil
}

func TestLoadChunkPropagatesComposeErrors(t *testing.T) {
	l, err := New(failingCorpus{}, Config{ImageDims: testDims, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.LoadChunk(training.SplitTrain, 5); err == nil {
		t.Error("expected compose error to propagate")
	}
}

func TestLoadUsesCache(t *testing.T) {
	l := newSyntheticLoader(t, 1, 1, false)
	l.cache = NewCacheManager(4)
	l.cache.Put("cached.png", []float32{1, 2, 3})

	data, err := l.Load("cached.png")
	if err != nil || len(data) != 3 {
		t.Fatalf("expected cached data, got %v, %v", data, err)
	}
	if _, err := l.Load("missing.png"); err == nil {
		t.Error("expected error for uncached missing file")
	}
	stats := l.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("unexpected stats %s", stats)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCacheManager(2)
	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Get("a")
	c.Put("c", []float32{3})

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to be cached", key)
		}
	}
	if s := c.Stats(); s.Size != 2 || s.MaxSize != 2 {
		t.Errorf("unexpected stats %s", s)
	}
}

func TestCacheDisabled(t *testing.T) {
	c := NewCacheManager(0)
	c.Put("a", []float32{1})
	if _, ok := c.Get("a"); ok {
		t.Error("zero-size cache should not store entries")
	}
}

func ExampleCacheStats_String() {
	fmt.Println(CacheStats{Size: 1, MaxSize: 4, Hits: 3, Misses: 1, HitRate: 75})
	// Output: Cache: 1/4 items, Hits: 3, Misses: 1, Hit Rate: 75.0%
}
