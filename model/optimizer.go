package model

import (
	"fmt"
	"math"

	"github.com/tsawler/chunktrain/checkpoints"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// adam keeps first and second moments for every parameter tensor.
type adam struct {
	config    AdamConfig
	momentum  [][]float32
	variance  [][]float32
	stepCount uint64
}

func newAdam(config AdamConfig, sizes []int) *adam {
	a := &adam{
		config:   config,
		momentum: make([][]float32, len(sizes)),
		variance: make([][]float32, len(sizes)),
	}
	for i, n := range sizes {
		a.momentum[i] = make([]float32, n)
		a.variance[i] = make([]float32, n)
	}
	return a
}

// step applies one bias-corrected Adam update to params using grads.
func (a *adam) step(params, grads [][]float32) {
	a.stepCount++
	c := a.config
	t := float64(a.stepCount)
	correction1 := 1 - math.Pow(float64(c.Beta1), t)
	correction2 := 1 - math.Pow(float64(c.Beta2), t)
	lr := float32(float64(c.LearningRate) * math.Sqrt(correction2) / correction1)

	for i, p := range params {
		g := grads[i]
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p {
			grad := g[j]
			if c.WeightDecay != 0 {
				grad += c.WeightDecay * p[j]
			}
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*grad
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*grad*grad
			p[j] -= lr * m[j] / (float32(math.Sqrt(float64(v[j]))) + c.Epsilon)
		}
	}
}

func (a *adam) state(shapes [][]int) *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float32{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
		},
		StepCount: a.stepCount,
	}
	for i := range a.momentum {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("m_%d", i),
				Shape:     shapes[i],
				Data:      append([]float32(nil), a.momentum[i]...),
				StateType: "m",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("v_%d", i),
				Shape:     shapes[i],
				Data:      append([]float32(nil), a.variance[i]...),
				StateType: "v",
			})
	}
	return state
}

func restoreAdam(state *checkpoints.OptimizerState, sizes []int) (*adam, error) {
	if state.Type != "Adam" {
		return nil, fmt.Errorf("unsupported optimizer %q", state.Type)
	}

	config := DefaultAdamConfig()
	for key, value := range state.Parameters {
		switch key {
		case "learning_rate":
			config.LearningRate = value
		case "beta1":
			config.Beta1 = value
		case "beta2":
			config.Beta2 = value
		case "epsilon":
			config.Epsilon = value
		case "weight_decay":
			config.WeightDecay = value
		}
	}

	a := newAdam(config, sizes)
	a.stepCount = state.StepCount

	if len(state.StateData) != 2*len(sizes) {
		return nil, fmt.Errorf("optimizer has %d state tensors, expected %d", len(state.StateData), 2*len(sizes))
	}
	for i := range sizes {
		m := state.StateData[2*i]
		v := state.StateData[2*i+1]
		if m.StateType != "m" || v.StateType != "v" {
			return nil, fmt.Errorf("optimizer state tensors out of order at %d", i)
		}
		if len(m.Data) != sizes[i] || len(v.Data) != sizes[i] {
			return nil, fmt.Errorf("optimizer state size mismatch for parameter %d", i)
		}
		copy(a.momentum[i], m.Data)
		copy(a.variance[i], v.Data)
	}
	return a, nil
}
