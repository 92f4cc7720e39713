package plotting

import "github.com/tsawler/chunktrain/training"

// Multi renders to each visualizer in order and stops at the first error.
type Multi []training.Visualizer

func (m Multi) Render(history training.MetricHistory) error {
	for _, v := range m {
		if err := v.Render(history); err != nil {
			return err
		}
	}
	return nil
}
