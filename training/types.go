package training

import (
	"time"

	"github.com/tsawler/chunktrain/tensor"
)

// Split selects which partition of the corpus a chunk is drawn from.
type Split int

const (
	SplitTrain Split = iota
	SplitValidation
)

func (s Split) String() string {
	switch s {
	case SplitTrain:
		return "train"
	case SplitValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Chunk is one bounded (features, labels) slice of the corpus. Features are
// shaped [n, height, width, channels] and labels [n, 1] with values 0 or 1.
// A chunk belongs to the iteration that loaded it and is not retained.
type Chunk struct {
	Features *tensor.Tensor
	Labels   *tensor.Tensor
}

// Len returns the number of samples in the chunk.
func (c *Chunk) Len() int {
	if c == nil || c.Features == nil {
		return 0
	}
	return c.Features.Rows()
}

// MetricSample is the ground-truth metric snapshot produced by one fit.
type MetricSample struct {
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// FitOptions controls a single fit call.
type FitOptions struct {
	Epochs    int
	BatchSize int
}

// FitHistory holds one MetricSample per local epoch, in epoch order.
type FitHistory struct {
	Epochs []MetricSample
}

// First returns the first epoch's metrics, which is what the session logs
// for a chunk.
func (h FitHistory) First() (MetricSample, bool) {
	if len(h.Epochs) == 0 {
		return MetricSample{}, false
	}
	return h.Epochs[0], true
}

// ResourceSample is one reading of host CPU and memory utilization.
type ResourceSample struct {
	CPUPercent          float64
	RAMPercent          float64
	RAMAvailablePercent float64
	RAMTotal            uint64
	RAMAvailable        uint64
}

// LogRow is one session log record, written once per completed chunk.
type LogRow struct {
	Chunk    int
	Metrics  MetricSample
	Elapsed  time.Duration
	Resource ResourceSample
}

// MetricHistory accumulates per-chunk metrics, index-aligned with chunk index.
type MetricHistory struct {
	Loss        []float64
	Accuracy    []float64
	ValLoss     []float64
	ValAccuracy []float64
}

// Append records one chunk's metrics.
func (h *MetricHistory) Append(m MetricSample) {
	h.Loss = append(h.Loss, m.Loss)
	h.Accuracy = append(h.Accuracy, m.Accuracy)
	h.ValLoss = append(h.ValLoss, m.ValLoss)
	h.ValAccuracy = append(h.ValAccuracy, m.ValAccuracy)
}

// Len returns the number of recorded chunks.
func (h *MetricHistory) Len() int {
	return len(h.Loss)
}

// Snapshot returns a copy that shares no backing arrays with h.
func (h *MetricHistory) Snapshot() MetricHistory {
	return MetricHistory{
		Loss:        append([]float64(nil), h.Loss...),
		Accuracy:    append([]float64(nil), h.Accuracy...),
		ValLoss:     append([]float64(nil), h.ValLoss...),
		ValAccuracy: append([]float64(nil), h.ValAccuracy...),
	}
}

// ChunkSupplier produces bounded chunks without materializing the corpus.
type ChunkSupplier interface {
	LoadChunk(split Split, size int) (*Chunk, error)
}

// Model is the trainable model handle. Fit, LoadWeights and Release mutate
// the handle in place; only the controller calls them.
type Model interface {
	// Fit trains on train for opts.Epochs local epochs and evaluates on
	// validation after each epoch.
	Fit(train, validation *Chunk, opts FitOptions) (FitHistory, error)
	// SaveWeights persists weights only, overwriting path.
	SaveWeights(path string) error
	// LoadWeights restores weights saved by SaveWeights.
	LoadWeights(path string) error
	// SaveFull persists architecture, weights and optimizer state.
	SaveFull(path string) error
	// Summary describes the architecture for the one-time dump.
	Summary() string
	// Release drops all in-process state. The handle is unusable afterwards.
	Release()
}

// ModelLoader rebuilds a model from a file written by Model.SaveFull.
type ModelLoader func(path string) (Model, error)

// ResourceMonitor reads live host counters. It performs no caching.
type ResourceMonitor interface {
	Sample() (ResourceSample, error)
}

// SessionLog is the durable per-chunk ledger. WriteRow returns only after
// the row is on stable storage; Close is idempotent.
type SessionLog interface {
	WriteRow(row LogRow) error
	Close() error
}

// Visualizer renders the accumulated history to an artifact.
type Visualizer interface {
	Render(history MetricHistory) error
}
