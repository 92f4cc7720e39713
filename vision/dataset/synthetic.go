package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/chunktrain/training"
)

// SyntheticCorpus generates ring-shaped positives and noise-only negatives
// without touching disk. Used for dry runs and tests.
type SyntheticCorpus struct {
	Height   int
	Width    int
	Channels int
	// Images bounds the chunk size per split.
	Images int
}

var _ Corpus = (*SyntheticCorpus)(nil)

// NewSyntheticCorpus creates a corpus for dims = [height, width, channels].
func NewSyntheticCorpus(dims []int, images int) (*SyntheticCorpus, error) {
	if len(dims) != 3 || dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("invalid image dims %v", dims)
	}
	if images <= 0 {
		return nil, fmt.Errorf("synthetic corpus size must be positive, got %d", images)
	}
	return &SyntheticCorpus{Height: dims[0], Width: dims[1], Channels: dims[2], Images: images}, nil
}

func (c *SyntheticCorpus) Size(training.Split) int {
	return c.Images
}

// Plan alternates labels and then shuffles, so every chunk is balanced.
func (c *SyntheticCorpus) Plan(split training.Split, size int, rng *rand.Rand) ([]Sample, error) {
	if size <= 0 || size > c.Images {
		return nil, fmt.Errorf("%s chunk size %d outside [1, %d]", split, size, c.Images)
	}
	samples := make([]Sample, size)
	for i := range samples {
		positive := i%2 == 0
		label := float32(0)
		if positive {
			label = 1
		}
		samples[i] = Sample{Label: label, Compose: c.generate(rng.Int63(), positive)}
	}
	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})
	return samples, nil
}

func (c *SyntheticCorpus) generate(seed int64, ring bool) func(ImageLoader) ([]float32, error) {
	return func(ImageLoader) ([]float32, error) {
		rng := rand.New(rand.NewSource(seed))
		out := make([]float32, c.Height*c.Width*c.Channels)
		cy, cx := float64(c.Height-1)/2, float64(c.Width-1)/2
		radius := math.Min(float64(c.Height), float64(c.Width)) / 4
		for y := 0; y < c.Height; y++ {
			for x := 0; x < c.Width; x++ {
				d := math.Hypot(float64(y)-cy, float64(x)-cx)
				for ch := 0; ch < c.Channels; ch++ {
					v := rng.Float64() * 0.3
					if ring && math.Abs(d-radius) < 1 {
						v += 0.7
					}
					out[(y*c.Width+x)*c.Channels+ch] = float32(v)
				}
			}
		}
		return out, nil
	}
}
