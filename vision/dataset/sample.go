package dataset

import (
	"math/rand"

	"github.com/tsawler/chunktrain/training"
)

// ImageLoader returns the decoded pixels of an image file. Callers must not
// modify the returned slice.
type ImageLoader interface {
	Load(path string) ([]float32, error)
}

// Sample is one planned chunk entry. Compose builds its pixels and must
// return a slice it owns. Compose may run concurrently with other samples.
type Sample struct {
	Label   float32
	Compose func(images ImageLoader) ([]float32, error)
}

// Corpus plans chunks. Plan draws all randomness from rng so that a chunk is
// reproducible from the seed and the sequence of calls.
type Corpus interface {
	Plan(split training.Split, size int, rng *rand.Rand) ([]Sample, error)
	// Size is the number of distinct base images available in a split.
	Size(split training.Split) int
}
