package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/chunktrain/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatJSON holds model spec + weights only.
	FormatJSON CheckpointFormat = iota
	// FormatProto holds spec, weights, optimizer state and training counters
	// in protobuf wire format.
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Framework and Version are stamped into checkpoint metadata.
const (
	Framework = "chunktrain"
	Version   = "1.0.0"
)

// Checkpoint represents model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Only populated for full-model checkpoints.
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam"
	Parameters map[string]float32 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (m, v)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	SessionID   string    `json:"session_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path, replacing any previous file.
// The file at path is either the old checkpoint or the new one, never a
// partial write.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = EncodeFullModel(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		return DecodeFullModel(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// ValidateWeights checks that weights line up with the parameter shapes of spec.
func ValidateWeights(spec *layers.ModelSpec, weights []WeightTensor) error {
	if len(weights) != len(spec.ParameterShapes) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(spec.ParameterShapes))
	}

	for i, w := range weights {
		want := spec.ParameterShapes[i]
		if len(w.Shape) != len(want) {
			return fmt.Errorf("shape mismatch for weight %s: checkpoint %v vs model %v", w.Name, w.Shape, want)
		}
		size := 1
		for j, dim := range want {
			if w.Shape[j] != dim {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: checkpoint %d vs model %d",
					w.Name, j, w.Shape[j], dim)
			}
			size *= dim
		}
		if len(w.Data) != size {
			return fmt.Errorf("weight %s has %d values, expected %d", w.Name, len(w.Data), size)
		}
	}
	return nil
}
