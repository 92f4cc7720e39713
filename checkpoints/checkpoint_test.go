package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/chunktrain/layers"
)

func testModelSpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	model, err := layers.NewModelBuilder("LensNet", []int{1, 4, 4, 1}).
		AddDense(3, true, "fc1").
		AddLeakyReLU(0.01, "act1").
		AddDense(1, true, "fc2").
		AddSigmoid("out").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return model
}

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	spec := testModelSpec(t)

	checkpoint := &Checkpoint{
		ModelSpec: spec,
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         120,
			LearningRate: 0.001,
			BestLoss:     0.25,
			BestAccuracy: 0.9,
			TotalSteps:   120,
		},
		Metadata: CheckpointMetadata{
			Version:     Version,
			Framework:   Framework,
			CreatedAt:   time.Unix(1700000000, 42),
			SessionID:   "session-1",
			Description: "test checkpoint",
			Tags:        []string{"test", "lens"},
		},
	}

	names := []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"}
	for i, shape := range spec.ParameterShapes {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data := make([]float32, size)
		for j := range data {
			data[j] = float32(math.Sin(float64(i*31+j))) * 0.37
		}
		checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
			Name:  names[i],
			Shape: shape,
			Data:  data,
			Layer: names[i][:3],
			Type:  names[i][4:],
		})
	}
	return checkpoint
}

func assertWeightsEqual(t *testing.T, want, got []WeightTensor) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("weight count mismatch: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i].Name != got[i].Name || want[i].Type != got[i].Type || want[i].Layer != got[i].Layer {
			t.Errorf("weight %d metadata mismatch: %+v vs %+v", i, want[i].Name, got[i].Name)
		}
		if len(want[i].Data) != len(got[i].Data) {
			t.Fatalf("weight %s length mismatch", want[i].Name)
		}
		for j := range want[i].Data {
			if math.Float32bits(want[i].Data[j]) != math.Float32bits(got[i].Data[j]) {
				t.Fatalf("weight %s[%d]: %v vs %v", want[i].Name, j, want[i].Data[j], got[i].Data[j])
			}
		}
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	checkpoint := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "weights.json")

	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save JSON checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load JSON checkpoint: %v", err)
	}

	assertWeightsEqual(t, checkpoint.Weights, loaded.Weights)
	if loaded.TrainingState != checkpoint.TrainingState {
		t.Errorf("training state mismatch: %+v vs %+v", loaded.TrainingState, checkpoint.TrainingState)
	}
	if loaded.OptimizerState != nil {
		t.Error("weights-only checkpoint should not carry optimizer state")
	}
	if err := ValidateWeights(loaded.ModelSpec, loaded.Weights); err != nil {
		t.Errorf("loaded weights do not validate: %v", err)
	}
}

func TestCheckpointProtoRoundTrip(t *testing.T) {
	checkpoint := testCheckpoint(t)
	checkpoint.OptimizerState = &OptimizerState{
		Type:       "Adam",
		Parameters: map[string]float32{"learning_rate": 0.001, "beta1": 0.9, "beta2": 0.999, "epsilon": 1e-7},
		StepCount:  120,
		StateData: []OptimizerTensor{
			{Name: "m_0", Shape: []int{16, 3}, Data: make([]float32, 48), StateType: "m"},
			{Name: "v_0", Shape: []int{16, 3}, Data: make([]float32, 48), StateType: "v"},
		},
	}
	checkpoint.OptimizerState.StateData[0].Data[5] = -1.5

	path := filepath.Join(t.TempDir(), "model.pb")
	saver := NewCheckpointSaver(FormatProto)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save proto checkpoint: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load proto checkpoint: %v", err)
	}

	assertWeightsEqual(t, checkpoint.Weights, loaded.Weights)

	if loaded.ModelSpec.TotalParameters != checkpoint.ModelSpec.TotalParameters {
		t.Errorf("spec parameters mismatch: %d vs %d", loaded.ModelSpec.TotalParameters, checkpoint.ModelSpec.TotalParameters)
	}
	if loaded.ModelSpec.Layers[1].NegativeSlope != 0.01 {
		t.Errorf("negative slope lost: %v", loaded.ModelSpec.Layers[1].NegativeSlope)
	}
	if loaded.TrainingState != checkpoint.TrainingState {
		t.Errorf("training state mismatch: %+v", loaded.TrainingState)
	}

	opt := loaded.OptimizerState
	if opt == nil {
		t.Fatal("optimizer state missing")
	}
	if opt.Type != "Adam" || opt.StepCount != 120 || opt.Parameters["beta2"] != 0.999 {
		t.Errorf("optimizer state mismatch: %+v", opt)
	}
	if len(opt.StateData) != 2 || opt.StateData[0].Data[5] != -1.5 || opt.StateData[1].StateType != "v" {
		t.Errorf("optimizer tensors mismatch: %+v", opt.StateData)
	}

	meta := loaded.Metadata
	if !meta.CreatedAt.Equal(checkpoint.Metadata.CreatedAt) || meta.SessionID != "session-1" || len(meta.Tags) != 2 {
		t.Errorf("metadata mismatch: %+v", meta)
	}
}

func TestDecodeFullModelRejectsGarbage(t *testing.T) {
	if _, err := DecodeFullModel([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error decoding garbage")
	}
	if _, err := DecodeFullModel(nil); err == nil {
		t.Error("expected error decoding empty input without spec")
	}
}

func TestSaveCheckpointOverwritesInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	saver := NewCheckpointSaver(FormatJSON)

	first := testCheckpoint(t)
	if err := saver.SaveCheckpoint(first, path); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	second := testCheckpoint(t)
	second.Weights[0].Data[0] = 123
	if err := saver.SaveCheckpoint(second, path); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Weights[0].Data[0] != 123 {
		t.Errorf("expected last write to win, got %v", loaded.Weights[0].Data[0])
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected exactly one file after overwrite, got %d", len(entries))
	}
}

func TestSaveCheckpointFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	saver := NewCheckpointSaver(FormatJSON)

	good := testCheckpoint(t)
	if err := saver.SaveCheckpoint(good, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	bad := testCheckpoint(t)
	bad.Weights[0].Data[0] = float32(math.NaN())
	if err := saver.SaveCheckpoint(bad, path); err == nil {
		t.Fatal("expected NaN weights to fail JSON encoding")
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("previous checkpoint unreadable: %v", err)
	}
	assertWeightsEqual(t, good.Weights, loaded.Weights)
}

func TestValidateWeightsDetectsMismatch(t *testing.T) {
	c := testCheckpoint(t)
	c.Weights[0].Shape = []int{4, 4}
	if err := ValidateWeights(c.ModelSpec, c.Weights); err == nil {
		t.Error("expected shape mismatch")
	}
	if err := ValidateWeights(c.ModelSpec, c.Weights[:1]); err == nil {
		t.Error("expected count mismatch")
	}
}
