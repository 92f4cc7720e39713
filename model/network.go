package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/chunktrain/layers"
	"github.com/tsawler/chunktrain/tensor"
	"github.com/tsawler/chunktrain/training"
)

// ErrReleased is returned by every operation on a released network.
var ErrReleased = errors.New("network has been released")

// lossEpsilon clips probabilities before taking logs.
const lossEpsilon = 1e-7

// Config describes how to build a fresh network.
type Config struct {
	Spec      *layers.ModelSpec
	Optimizer AdamConfig
	Seed      int64
	SessionID string
}

// NewBinaryClassifierSpec builds the default architecture: flattened input,
// one Dense+ReLU block per hidden width, and a single sigmoid output.
func NewBinaryClassifierSpec(name string, imgDims []int, hidden []int) (*layers.ModelSpec, error) {
	inputShape := append([]int{1}, imgDims...)
	builder := layers.NewModelBuilder(name, inputShape)
	for i, units := range hidden {
		builder.AddDense(units, true, fmt.Sprintf("fc%d", i+1)).
			AddReLU(fmt.Sprintf("relu%d", i+1))
	}
	builder.AddDense(1, true, "logit").AddSigmoid("output")
	return builder.Compile()
}

// Network is a multilayer perceptron for binary classification trained with
// binary cross-entropy. It implements training.Model.
type Network struct {
	spec      *layers.ModelSpec
	params    [][]float32
	opt       *adam
	epochs    int
	steps     int
	sessionID string
	released  bool
}

var _ training.Model = (*Network)(nil)

// New initializes weights with Glorot-uniform values drawn from a PRNG
// seeded with config.Seed, so equal configs give equal networks.
func New(config Config) (*Network, error) {
	if err := validateSpec(config.Spec); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))
	params := make([][]float32, len(config.Spec.ParameterShapes))
	for i, shape := range config.Spec.ParameterShapes {
		params[i] = make([]float32, shapeSize(shape))
		if len(shape) == 2 {
			limit := math.Sqrt(6.0 / float64(shape[0]+shape[1]))
			for j := range params[i] {
				params[i][j] = float32((rng.Float64()*2 - 1) * limit)
			}
		}
	}

	optConfig := config.Optimizer
	if optConfig == (AdamConfig{}) {
		optConfig = DefaultAdamConfig()
	}

	return &Network{
		spec:      config.Spec,
		params:    params,
		opt:       newAdam(optConfig, paramSizes(config.Spec)),
		sessionID: config.SessionID,
	}, nil
}

func validateSpec(spec *layers.ModelSpec) error {
	if spec == nil || !spec.Compiled {
		return fmt.Errorf("model spec must be compiled")
	}
	last := spec.Layers[len(spec.Layers)-1]
	if last.Type != layers.Sigmoid {
		return fmt.Errorf("binary classifier must end in a Sigmoid layer, got %s", last.Type)
	}
	if len(spec.OutputShape) != 2 || spec.OutputShape[1] != 1 {
		return fmt.Errorf("binary classifier must have a single output, got %v", spec.OutputShape)
	}
	return nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func paramSizes(spec *layers.ModelSpec) []int {
	sizes := make([]int, len(spec.ParameterShapes))
	for i, shape := range spec.ParameterShapes {
		sizes[i] = shapeSize(shape)
	}
	return sizes
}

// Spec returns the compiled architecture.
func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}

// Summary describes the architecture and optimizer.
func (n *Network) Summary() string {
	if n.released {
		return "released network"
	}
	c := n.opt.config
	return n.spec.Summary() + fmt.Sprintf("Optimizer: Adam(lr=%g, beta1=%g, beta2=%g, eps=%g)\nLoss: binary cross-entropy\n",
		c.LearningRate, c.Beta1, c.Beta2, c.Epsilon)
}

// Release drops weights and optimizer state.
func (n *Network) Release() {
	n.params = nil
	n.opt = nil
	n.released = true
}

// forwardCache keeps per-layer inputs for the backward pass.
type forwardCache struct {
	inputs [][]float32 // inputs[l] is the input to layer l, row-major [batch, width]
	widths []int
}

// forward runs a batch of flattened samples through the network and
// returns the output probabilities.
func (n *Network) forward(x []float32, batch int, cache *forwardCache) []float32 {
	act := x
	width := n.spec.InputSize()
	paramIdx := 0

	for _, layer := range n.spec.Layers {
		if cache != nil {
			cache.inputs = append(cache.inputs, act)
			cache.widths = append(cache.widths, width)
		}

		switch layer.Type {
		case layers.Dense:
			w := n.params[paramIdx]
			paramIdx++
			var b []float32
			if layer.UseBias {
				b = n.params[paramIdx]
				paramIdx++
			}
			out := make([]float32, batch*layer.Units)
			for s := 0; s < batch; s++ {
				in := act[s*width : (s+1)*width]
				o := out[s*layer.Units : (s+1)*layer.Units]
				if b != nil {
					copy(o, b)
				}
				for i, xi := range in {
					if xi == 0 {
						continue
					}
					row := w[i*layer.Units : (i+1)*layer.Units]
					for j, wij := range row {
						o[j] += xi * wij
					}
				}
			}
			act = out
			width = layer.Units
		case layers.ReLU:
			out := make([]float32, len(act))
			for i, v := range act {
				if v > 0 {
					out[i] = v
				}
			}
			act = out
		case layers.LeakyReLU:
			out := make([]float32, len(act))
			for i, v := range act {
				if v > 0 {
					out[i] = v
				} else {
					out[i] = v * layer.NegativeSlope
				}
			}
			act = out
		case layers.Sigmoid:
			out := make([]float32, len(act))
			for i, v := range act {
				out[i] = float32(1 / (1 + math.Exp(-float64(v))))
			}
			act = out
		}
	}
	return act
}

// backward accumulates parameter gradients for one batch. gradOut is the
// gradient with respect to the pre-sigmoid output.
func (n *Network) backward(cache *forwardCache, gradOut []float32, batch int) [][]float32 {
	grads := make([][]float32, len(n.params))
	for i, p := range n.params {
		grads[i] = make([]float32, len(p))
	}

	grad := gradOut
	paramIdx := len(n.params)

	// The final sigmoid is folded into gradOut.
	for l := len(n.spec.Layers) - 2; l >= 0; l-- {
		layer := n.spec.Layers[l]
		in := cache.inputs[l]
		width := cache.widths[l]

		switch layer.Type {
		case layers.ReLU:
			for i := range grad {
				if in[i] <= 0 {
					grad[i] = 0
				}
			}
		case layers.LeakyReLU:
			for i := range grad {
				if in[i] <= 0 {
					grad[i] *= layer.NegativeSlope
				}
			}
		case layers.Sigmoid:
			for i := range grad {
				s := float32(1 / (1 + math.Exp(-float64(in[i]))))
				grad[i] *= s * (1 - s)
			}
		case layers.Dense:
			if layer.UseBias {
				paramIdx--
				gb := grads[paramIdx]
				for s := 0; s < batch; s++ {
					for j := 0; j < layer.Units; j++ {
						gb[j] += grad[s*layer.Units+j]
					}
				}
			}
			paramIdx--
			w := n.params[paramIdx]
			gw := grads[paramIdx]

			gradIn := make([]float32, batch*width)
			for s := 0; s < batch; s++ {
				x := in[s*width : (s+1)*width]
				g := grad[s*layer.Units : (s+1)*layer.Units]
				gi := gradIn[s*width : (s+1)*width]
				for i, xi := range x {
					row := w[i*layer.Units : (i+1)*layer.Units]
					growW := gw[i*layer.Units : (i+1)*layer.Units]
					var acc float32
					for j, gj := range g {
						growW[j] += xi * gj
						acc += row[j] * gj
					}
					gi[i] = acc
				}
			}
			grad = gradIn
		}
	}
	return grads
}

func checkChunk(name string, c *training.Chunk, inputSize int) error {
	if c == nil || c.Features == nil || c.Labels == nil {
		return fmt.Errorf("%s chunk is empty", name)
	}
	if c.Features.Rows() == 0 {
		return fmt.Errorf("%s chunk has no samples", name)
	}
	if c.Features.RowSize() != inputSize {
		return fmt.Errorf("%s chunk sample size %d does not match model input %d", name, c.Features.RowSize(), inputSize)
	}
	if c.Labels.NumElems != c.Features.Rows() {
		return fmt.Errorf("%s chunk has %d labels for %d samples", name, c.Labels.NumElems, c.Features.Rows())
	}
	return nil
}

func binaryCrossEntropy(p, y float32) float64 {
	pp := math.Min(math.Max(float64(p), lossEpsilon), 1-lossEpsilon)
	return -(float64(y)*math.Log(pp) + (1-float64(y))*math.Log(1-pp))
}

func correct(p, y float32) bool {
	return (p > 0.5) == (y > 0.5)
}

// Fit trains in place for opts.Epochs epochs over train in sequential
// batches of opts.BatchSize, evaluating on validation after each epoch.
// Training metrics are averaged over the epoch using the pre-update
// predictions of each batch.
func (n *Network) Fit(train, validation *training.Chunk, opts training.FitOptions) (training.FitHistory, error) {
	if n.released {
		return training.FitHistory{}, ErrReleased
	}
	inputSize := n.spec.InputSize()
	if err := checkChunk("train", train, inputSize); err != nil {
		return training.FitHistory{}, err
	}
	if err := checkChunk("validation", validation, inputSize); err != nil {
		return training.FitHistory{}, err
	}
	if opts.Epochs <= 0 || opts.BatchSize <= 0 {
		return training.FitHistory{}, fmt.Errorf("epochs and batch size must be positive, got %d and %d", opts.Epochs, opts.BatchSize)
	}

	samples := train.Len()
	var history training.FitHistory

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		var lossSum float64
		var hits int

		for start := 0; start < samples; start += opts.BatchSize {
			end := start + opts.BatchSize
			if end > samples {
				end = samples
			}
			batch := end - start
			x := train.Features.Data[start*inputSize : end*inputSize]
			y := train.Labels.Data[start:end]

			cache := &forwardCache{}
			p := n.forward(x, batch, cache)

			gradOut := make([]float32, batch)
			for i := 0; i < batch; i++ {
				lossSum += binaryCrossEntropy(p[i], y[i])
				if correct(p[i], y[i]) {
					hits++
				}
				gradOut[i] = (p[i] - y[i]) / float32(batch)
			}

			grads := n.backward(cache, gradOut, batch)
			n.opt.step(n.params, grads)
			n.steps++
		}

		loss := lossSum / float64(samples)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return history, fmt.Errorf("training diverged at epoch %d: loss %v", epoch, loss)
		}

		valLoss, valAcc := n.evaluate(validation, opts.BatchSize)
		history.Epochs = append(history.Epochs, training.MetricSample{
			Loss:        loss,
			Accuracy:    float64(hits) / float64(samples),
			ValLoss:     valLoss,
			ValAccuracy: valAcc,
		})
		n.epochs++
	}

	return history, nil
}

func (n *Network) evaluate(c *training.Chunk, batchSize int) (float64, float64) {
	inputSize := n.spec.InputSize()
	samples := c.Len()
	var lossSum float64
	var hits int

	for start := 0; start < samples; start += batchSize {
		end := start + batchSize
		if end > samples {
			end = samples
		}
		p := n.forward(c.Features.Data[start*inputSize:end*inputSize], end-start, nil)
		for i, pi := range p {
			y := c.Labels.Data[start+i]
			lossSum += binaryCrossEntropy(pi, y)
			if correct(pi, y) {
				hits++
			}
		}
	}
	return lossSum / float64(samples), float64(hits) / float64(samples)
}

// Predict returns the positive-class probability for every sample.
func (n *Network) Predict(features *tensor.Tensor) ([]float32, error) {
	if n.released {
		return nil, ErrReleased
	}
	if features.RowSize() != n.spec.InputSize() {
		return nil, fmt.Errorf("sample size %d does not match model input %d", features.RowSize(), n.spec.InputSize())
	}
	return n.forward(features.Data, features.Rows(), nil), nil
}
