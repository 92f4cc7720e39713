package plotting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/tsawler/chunktrain/training"
)

// PNGRenderer draws accuracy and loss curves side by side into one PNG,
// replacing the file at Path on every call.
type PNGRenderer struct {
	Path   string
	Width  vg.Length
	Height vg.Length
}

var _ training.Visualizer = (*PNGRenderer)(nil)

// NewPNGRenderer creates a renderer with the default 12x5 inch canvas.
func NewPNGRenderer(path string) *PNGRenderer {
	return &PNGRenderer{Path: path, Width: 12 * vg.Inch, Height: 5 * vg.Inch}
}

func points(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i].X = float64(i)
		xys[i].Y = v
	}
	return xys
}

func panel(title, yLabel string, train, validation []float64, trainName, valName string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "chunk"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	if err := plotutil.AddLinePoints(p, trainName, points(train), valName, points(validation)); err != nil {
		return nil, err
	}
	return p, nil
}

// Render draws history. An empty history is an error.
func (r *PNGRenderer) Render(history training.MetricHistory) error {
	if history.Len() == 0 {
		return errors.New("no history to render")
	}

	acc, err := panel("model accuracy", "accuracy", history.Accuracy, history.ValAccuracy, "train", "validation")
	if err != nil {
		return fmt.Errorf("failed to build accuracy panel: %w", err)
	}
	loss, err := panel("model loss", "loss", history.Loss, history.ValLoss, "train", "validation")
	if err != nil {
		return fmt.Errorf("failed to build loss panel: %w", err)
	}

	img := vgimg.New(r.Width, r.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      1,
		Cols:      2,
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}
	plots := [][]*plot.Plot{{acc, loss}}
	canvases := plot.Align(plots, tiles, dc)
	for j, p := range plots[0] {
		p.Draw(canvases[0][j])
	}

	return writePNG(r.Path, vgimg.PngCanvas{Canvas: img})
}

func writePNG(path string, png vgimg.PngCanvas) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".plot-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp plot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := png.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode plot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp plot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace plot: %w", err)
	}
	return nil
}
