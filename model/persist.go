package model

import (
	"fmt"

	"github.com/tsawler/chunktrain/checkpoints"
	"github.com/tsawler/chunktrain/training"
)

func (n *Network) weightTensors() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, len(n.params))
	paramIdx := 0
	for _, layer := range n.spec.Layers {
		for k := range layer.ParameterShapes {
			kind := "weight"
			if k == 1 {
				kind = "bias"
			}
			weights = append(weights, checkpoints.WeightTensor{
				Name:  fmt.Sprintf("%s.%s", layer.Name, kind),
				Shape: layer.ParameterShapes[k],
				Data:  append([]float32(nil), n.params[paramIdx]...),
				Layer: layer.Name,
				Type:  kind,
			})
			paramIdx++
		}
	}
	return weights
}

func (n *Network) checkpoint(description string) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		ModelSpec: n.spec,
		Weights:   n.weightTensors(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        n.epochs,
			Step:         n.steps,
			LearningRate: n.opt.config.LearningRate,
			TotalSteps:   n.steps,
		},
		Metadata: checkpoints.CheckpointMetadata{
			SessionID:   n.sessionID,
			Description: description,
		},
	}
}

// SaveWeights writes a JSON checkpoint of the weights, replacing path.
func (n *Network) SaveWeights(path string) error {
	if n.released {
		return ErrReleased
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := saver.SaveCheckpoint(n.checkpoint("weights"), path); err != nil {
		return fmt.Errorf("failed to save weights: %w", err)
	}
	return nil
}

// LoadWeights replaces the network's weights with those stored at path.
// Optimizer state is left untouched.
func (n *Network) LoadWeights(path string) error {
	if n.released {
		return ErrReleased
	}
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	c, err := saver.LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	if err := checkpoints.ValidateWeights(n.spec, c.Weights); err != nil {
		return fmt.Errorf("weights do not fit model: %w", err)
	}
	for i, w := range c.Weights {
		copy(n.params[i], w.Data)
	}
	return nil
}

// SaveFull writes architecture, weights, optimizer state and training
// counters in protobuf wire format, replacing path.
func (n *Network) SaveFull(path string) error {
	if n.released {
		return ErrReleased
	}
	c := n.checkpoint("full model")
	c.OptimizerState = n.opt.state(n.spec.ParameterShapes)

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatProto)
	if err := saver.SaveCheckpoint(c, path); err != nil {
		return fmt.Errorf("failed to save full model: %w", err)
	}
	return nil
}

// LoadFull rebuilds a network from a file written by SaveFull. The result
// continues training exactly where the saved network stopped.
func LoadFull(path string) (*Network, error) {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatProto)
	c, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load full model: %w", err)
	}
	if err := validateSpec(c.ModelSpec); err != nil {
		return nil, err
	}
	if err := checkpoints.ValidateWeights(c.ModelSpec, c.Weights); err != nil {
		return nil, fmt.Errorf("full model weights invalid: %w", err)
	}
	if c.OptimizerState == nil {
		return nil, fmt.Errorf("full model %s has no optimizer state", path)
	}

	opt, err := restoreAdam(c.OptimizerState, paramSizes(c.ModelSpec))
	if err != nil {
		return nil, fmt.Errorf("failed to restore optimizer: %w", err)
	}

	params := make([][]float32, len(c.Weights))
	for i, w := range c.Weights {
		params[i] = w.Data
	}

	return &Network{
		spec:      c.ModelSpec,
		params:    params,
		opt:       opt,
		epochs:    c.TrainingState.Epoch,
		steps:     c.TrainingState.Step,
		sessionID: c.Metadata.SessionID,
	}, nil
}

// Loader adapts LoadFull to training.ModelLoader.
func Loader() training.ModelLoader {
	return func(path string) (training.Model, error) {
		n, err := LoadFull(path)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}
