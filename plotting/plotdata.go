// Package plotting renders training history.
package plotting

import (
	"time"

	"github.com/tsawler/chunktrain/training"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves PlotType = "training_curves"
	ResourceUsage  PlotType = "resource_usage"
)

// PlotData is the JSON document sent to the plotting sidecar.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	SessionID string    `json:"session_id,omitempty"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string            `json:"name"`
	Type  string            `json:"type"` // "line", "scatter"
	Data  []DataPoint       `json:"data"`
	Style map[string]string `json:"style,omitempty"`
}

// DataPoint is one (x, y) sample.
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

func lineSeries(name, color string, values []float64) SeriesData {
	points := make([]DataPoint, len(values))
	for i, v := range values {
		points[i] = DataPoint{X: float64(i), Y: v}
	}
	return SeriesData{
		Name:  name,
		Type:  "line",
		Data:  points,
		Style: map[string]string{"color": color},
	}
}

// NewTrainingCurves converts a chunk history into the sidecar format. The
// x axis is the chunk index.
func NewTrainingCurves(modelName string, history training.MetricHistory) PlotData {
	data := PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training Progress",
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("binary_accuracy", "#1f77b4", history.Accuracy),
			lineSeries("val_binary_accuracy", "#ff7f0e", history.ValAccuracy),
			lineSeries("loss", "#2ca02c", history.Loss),
			lineSeries("val_loss", "#d62728", history.ValLoss),
		},
		Config: PlotConfig{
			XAxisLabel:  "Chunk",
			YAxisLabel:  "Value",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       1200,
			Height:      500,
			Interactive: true,
		},
	}

	if n := history.Len(); n > 0 {
		data.Metrics = map[string]float64{
			"chunks":              float64(n),
			"loss":                history.Loss[n-1],
			"binary_accuracy":     history.Accuracy[n-1],
			"val_loss":            history.ValLoss[n-1],
			"val_binary_accuracy": history.ValAccuracy[n-1],
		}
	}
	return data
}
