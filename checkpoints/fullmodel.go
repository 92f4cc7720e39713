package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/chunktrain/layers"
)

// Field numbers of the full-model wire format. The layout is a small
// protobuf schema written by hand with protowire:
//
//	message FullModel {
//	  ModelSpec spec = 1;
//	  repeated Tensor weights = 2;
//	  Optimizer optimizer = 3;
//	  TrainingState training_state = 4;
//	  Metadata metadata = 5;
//	}
const (
	fieldFullSpec      protowire.Number = 1
	fieldFullWeights   protowire.Number = 2
	fieldFullOptimizer protowire.Number = 3
	fieldFullTraining  protowire.Number = 4
	fieldFullMetadata  protowire.Number = 5

	fieldSpecName   protowire.Number = 1
	fieldSpecInput  protowire.Number = 2
	fieldSpecLayers protowire.Number = 3

	fieldLayerType    protowire.Number = 1
	fieldLayerName    protowire.Number = 2
	fieldLayerUnits   protowire.Number = 3
	fieldLayerUseBias protowire.Number = 4
	fieldLayerSlope   protowire.Number = 5

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
	fieldTensorLayer protowire.Number = 4
	fieldTensorKind  protowire.Number = 5

	fieldOptType   protowire.Number = 1
	fieldOptParam  protowire.Number = 2
	fieldOptStep   protowire.Number = 3
	fieldOptTensor protowire.Number = 4

	fieldParamKey   protowire.Number = 1
	fieldParamValue protowire.Number = 2

	fieldStateEpoch      protowire.Number = 1
	fieldStateStep       protowire.Number = 2
	fieldStateLR         protowire.Number = 3
	fieldStateBestLoss   protowire.Number = 4
	fieldStateBestAcc    protowire.Number = 5
	fieldStateTotalSteps protowire.Number = 6

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaSessionID   protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
	fieldMetaTags        protowire.Number = 6
)

// EncodeFullModel serializes a checkpoint, including optimizer state, in
// protobuf wire format.
func EncodeFullModel(c *Checkpoint) ([]byte, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}

	var b []byte
	b = protowire.AppendTag(b, fieldFullSpec, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSpec(c.ModelSpec))

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, fieldFullWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldFullOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOptimizer(c.OptimizerState))
	}

	b = protowire.AppendTag(b, fieldFullTraining, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeTrainingState(c.TrainingState))

	b = protowire.AppendTag(b, fieldFullMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeMetadata(c.Metadata))

	return b, nil
}

// DecodeFullModel is the inverse of EncodeFullModel. The decoded spec is
// recompiled so derived shape information is available to callers.
func DecodeFullModel(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldFullSpec:
			spec, err := decodeSpec(v)
			if err != nil {
				return fmt.Errorf("spec: %w", err)
			}
			c.ModelSpec = spec
		case fieldFullWeights:
			t, err := decodeTensor(v)
			if err != nil {
				return fmt.Errorf("weights: %w", err)
			}
			c.Weights = append(c.Weights, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data, Layer: t.layer, Type: t.StateType})
		case fieldFullOptimizer:
			opt, err := decodeOptimizer(v)
			if err != nil {
				return fmt.Errorf("optimizer: %w", err)
			}
			c.OptimizerState = opt
		case fieldFullTraining:
			state, err := decodeTrainingState(v)
			if err != nil {
				return fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = state
		case fieldFullMetadata:
			meta, err := decodeMetadata(v)
			if err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = meta
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode full model: %w", err)
	}
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("failed to decode full model: missing model spec")
	}

	compiled, err := c.ModelSpec.Recompile()
	if err != nil {
		return nil, fmt.Errorf("failed to recompile model spec: %w", err)
	}
	c.ModelSpec = compiled

	return c, nil
}

// walkFields calls fn for every length-delimited, varint or fixed32 field.
// v holds the raw value bytes for BytesType and the encoded value otherwise.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.BytesType:
			var m int
			v, m = protowire.ConsumeBytes(b)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				v = b[:n]
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func varintValue(v []byte) (uint64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

func float32Value(v []byte) (float32, error) {
	x, n := protowire.ConsumeFixed32(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float32frombits(x), nil
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, x := range values {
		packed = protowire.AppendVarint(packed, uint64(x))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumePackedInts(v []byte) ([]int, error) {
	out := make([]int, 0, 4)
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(x))
		v = v[n:]
	}
	return out, nil
}

func appendFloat32(b []byte, num protowire.Number, f float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, x uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, x)
}

func encodeSpec(spec *layers.ModelSpec) []byte {
	var b []byte
	b = appendString(b, fieldSpecName, spec.Name)
	b = appendPackedInts(b, fieldSpecInput, spec.InputShape)
	for _, layer := range spec.Layers {
		var lb []byte
		lb = appendString(lb, fieldLayerType, layer.Type.String())
		lb = appendString(lb, fieldLayerName, layer.Name)
		lb = appendVarint(lb, fieldLayerUnits, uint64(layer.Units))
		lb = appendVarint(lb, fieldLayerUseBias, protowire.EncodeBool(layer.UseBias))
		lb = appendFloat32(lb, fieldLayerSlope, layer.NegativeSlope)

		b = protowire.AppendTag(b, fieldSpecLayers, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	return b
}

func decodeSpec(b []byte) (*layers.ModelSpec, error) {
	spec := &layers.ModelSpec{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case fieldSpecName:
			spec.Name = string(v)
		case fieldSpecInput:
			spec.InputShape, err = consumePackedInts(v)
		case fieldSpecLayers:
			var layer layers.LayerSpec
			layer, err = decodeLayer(v)
			spec.Layers = append(spec.Layers, layer)
		}
		return err
	})
	return spec, err
}

func decodeLayer(b []byte) (layers.LayerSpec, error) {
	var layer layers.LayerSpec
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldLayerType:
			lt, err := layers.ParseLayerType(string(v))
			if err != nil {
				return err
			}
			layer.Type = lt
		case fieldLayerName:
			layer.Name = string(v)
		case fieldLayerUnits:
			x, err := varintValue(v)
			if err != nil {
				return err
			}
			layer.Units = int(x)
		case fieldLayerUseBias:
			x, err := varintValue(v)
			if err != nil {
				return err
			}
			layer.UseBias = protowire.DecodeBool(x)
		case fieldLayerSlope:
			f, err := float32Value(v)
			if err != nil {
				return err
			}
			layer.NegativeSlope = f
		}
		return nil
	})
	return layer, err
}

func encodeTensor(name string, shape []int, data []float32, layer, kind string) []byte {
	var b []byte
	b = appendString(b, fieldTensorName, name)
	b = appendPackedInts(b, fieldTensorShape, shape)

	packed := make([]byte, 0, 4*len(data))
	for _, f := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = appendString(b, fieldTensorLayer, layer)
	b = appendString(b, fieldTensorKind, kind)
	return b
}

// decodedTensor carries the union of WeightTensor and OptimizerTensor fields.
type decodedTensor struct {
	OptimizerTensor
	layer string
}

func decodeTensor(b []byte) (decodedTensor, error) {
	var t decodedTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldTensorName:
			t.Name = string(v)
		case fieldTensorShape:
			shape, err := consumePackedInts(v)
			if err != nil {
				return err
			}
			t.Shape = shape
		case fieldTensorData:
			if len(v)%4 != 0 {
				return fmt.Errorf("tensor %q: packed data length %d is not a multiple of 4", t.Name, len(v))
			}
			t.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				x, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(x))
				v = v[n:]
			}
		case fieldTensorLayer:
			t.layer = string(v)
		case fieldTensorKind:
			t.StateType = string(v)
		}
		return nil
	})
	return t, err
}

func encodeOptimizer(opt *OptimizerState) []byte {
	var b []byte
	b = appendString(b, fieldOptType, opt.Type)

	keys := make([]string, 0, len(opt.Parameters))
	for k := range opt.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var pb []byte
		pb = appendString(pb, fieldParamKey, k)
		pb = appendFloat32(pb, fieldParamValue, opt.Parameters[k])
		b = protowire.AppendTag(b, fieldOptParam, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}

	b = appendVarint(b, fieldOptStep, opt.StepCount)

	for _, t := range opt.StateData {
		b = protowire.AppendTag(b, fieldOptTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	opt := &OptimizerState{Parameters: make(map[string]float32)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldOptType:
			opt.Type = string(v)
		case fieldOptParam:
			var key string
			var value float32
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, pv []byte) error {
				switch num {
				case fieldParamKey:
					key = string(pv)
				case fieldParamValue:
					f, err := float32Value(pv)
					if err != nil {
						return err
					}
					value = f
				}
				return nil
			})
			if err != nil {
				return err
			}
			opt.Parameters[key] = value
		case fieldOptStep:
			x, err := varintValue(v)
			if err != nil {
				return err
			}
			opt.StepCount = x
		case fieldOptTensor:
			t, err := decodeTensor(v)
			if err != nil {
				return err
			}
			opt.StateData = append(opt.StateData, t.OptimizerTensor)
		}
		return nil
	})
	return opt, err
}

func encodeTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, fieldStateEpoch, uint64(s.Epoch))
	b = appendVarint(b, fieldStateStep, uint64(s.Step))
	b = appendFloat32(b, fieldStateLR, s.LearningRate)
	b = appendFloat32(b, fieldStateBestLoss, s.BestLoss)
	b = appendFloat32(b, fieldStateBestAcc, s.BestAccuracy)
	b = appendVarint(b, fieldStateTotalSteps, uint64(s.TotalSteps))
	return b
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldStateEpoch, fieldStateStep, fieldStateTotalSteps:
			x, err := varintValue(v)
			if err != nil {
				return err
			}
			switch num {
			case fieldStateEpoch:
				s.Epoch = int(x)
			case fieldStateStep:
				s.Step = int(x)
			default:
				s.TotalSteps = int(x)
			}
		case fieldStateLR, fieldStateBestLoss, fieldStateBestAcc:
			f, err := float32Value(v)
			if err != nil {
				return err
			}
			switch num {
			case fieldStateLR:
				s.LearningRate = f
			case fieldStateBestLoss:
				s.BestLoss = f
			default:
				s.BestAccuracy = f
			}
		}
		return nil
	})
	return s, err
}

func encodeMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, fieldMetaCreatedAt, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, fieldMetaSessionID, m.SessionID)
	b = appendString(b, fieldMetaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, fieldMetaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldMetaVersion:
			m.Version = string(v)
		case fieldMetaFramework:
			m.Framework = string(v)
		case fieldMetaCreatedAt:
			x, err := varintValue(v)
			if err != nil {
				return err
			}
			m.CreatedAt = time.Unix(0, int64(x))
		case fieldMetaSessionID:
			m.SessionID = string(v)
		case fieldMetaDescription:
			m.Description = string(v)
		case fieldMetaTags:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
	return m, err
}
