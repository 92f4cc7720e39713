package training

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tsawler/chunktrain/tensor"
)

// recorder keeps the order in which the controller touched its collaborators.
type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

// eventsByChunk assigns every event to the chunk whose row follows it.
// Events after the last row are returned separately.
func (r *recorder) eventsByChunk(name string) (chunks []int, trailing int) {
	chunk := 0
	for _, e := range r.events {
		switch e {
		case "row":
			chunk++
		case name:
			chunks = append(chunks, chunk)
		}
	}
	// Events in the trailing segment carry chunk == number of rows.
	var kept []int
	for _, c := range chunks {
		if c == chunk {
			trailing++
			continue
		}
		kept = append(kept, c)
	}
	return kept, trailing
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

type fakeSupplier struct {
	rec      *recorder
	err      error
	errAfter int // fail on this call number when err is set
	calls    int
}

func (s *fakeSupplier) LoadChunk(split Split, size int) (*Chunk, error) {
	s.calls++
	if s.err != nil && s.calls > s.errAfter {
		return nil, s.err
	}
	s.rec.add("load_" + split.String())
	features, _ := tensor.Zeros([]int{size, 2, 2, 1})
	labels, _ := tensor.Zeros([]int{size, 1})
	return &Chunk{Features: features, Labels: labels}, nil
}

// fakeModel produces metrics that depend only on how many fits it has run,
// so a reloaded copy continues the same sequence.
type fakeModel struct {
	rec      *recorder
	fits     int
	released bool

	fitErr      error
	fitErrAt    int // 1-based fit call that fails
	onFit       func(call int)
	saveErr     error
	saveFullErr error
}

func (m *fakeModel) Fit(train, validation *Chunk, opts FitOptions) (FitHistory, error) {
	if m.released {
		return FitHistory{}, errors.New("fit on released model")
	}
	if train.Len() == 0 || validation.Len() == 0 {
		return FitHistory{}, errors.New("empty chunk")
	}
	call := m.fits + 1
	if m.onFit != nil {
		m.onFit(call)
	}
	if m.fitErr != nil && call == m.fitErrAt {
		return FitHistory{}, m.fitErr
	}
	m.rec.add("fit")

	var history FitHistory
	for e := 0; e < opts.Epochs; e++ {
		m.fits++
		step := float64(m.fits)
		history.Epochs = append(history.Epochs, MetricSample{
			Loss:        1 / step,
			Accuracy:    1 - 1/(step+1),
			ValLoss:     1.5 / step,
			ValAccuracy: 1 - 1/(step+2),
		})
	}
	return history, nil
}

func (m *fakeModel) SaveWeights(path string) error {
	m.rec.add("save_weights")
	if m.released {
		return errors.New("save on released model")
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	return os.WriteFile(path, []byte(strconv.Itoa(m.fits)), 0644)
}

func (m *fakeModel) LoadWeights(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.fits, err = strconv.Atoi(strings.TrimSpace(string(b)))
	return err
}

func (m *fakeModel) SaveFull(path string) error {
	m.rec.add("save_full")
	if m.saveFullErr != nil {
		return m.saveFullErr
	}
	return os.WriteFile(path, []byte(strconv.Itoa(m.fits)), 0644)
}

func (m *fakeModel) Summary() string {
	return "FakeNet(\n  (fc1): Linear(in_features=4, out_features=1, bias=true)\n)\n"
}

func (m *fakeModel) Release() {
	m.rec.add("release")
	m.released = true
}

func fakeLoader(rec *recorder, err error) ModelLoader {
	return func(path string) (Model, error) {
		rec.add("load_full")
		if err != nil {
			return nil, err
		}
		m := &fakeModel{rec: rec}
		if lerr := m.LoadWeights(path); lerr != nil {
			return nil, lerr
		}
		return m, nil
	}
}

// fakeMonitor returns RAM readings from a script, repeating the last one.
type fakeMonitor struct {
	ram   []float64
	err   error
	calls int
}

func (m *fakeMonitor) Sample() (ResourceSample, error) {
	m.calls++
	if m.err != nil {
		return ResourceSample{}, m.err
	}
	ram := 50.0
	if len(m.ram) > 0 {
		idx := m.calls - 1
		if idx >= len(m.ram) {
			idx = len(m.ram) - 1
		}
		ram = m.ram[idx]
	}
	return ResourceSample{
		CPUPercent:          12.5,
		RAMPercent:          ram,
		RAMAvailablePercent: 100 - ram,
		RAMTotal:            1 << 30,
		RAMAvailable:        uint64(float64(1<<30) * (100 - ram) / 100),
	}, nil
}

type fakeLog struct {
	rec      *recorder
	rows     []LogRow
	closes   int
	writeErr error
	closeErr error
	onWrite  func(row LogRow)
}

func (l *fakeLog) WriteRow(row LogRow) error {
	if l.closes > 0 {
		return errors.New("write after close")
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	l.rows = append(l.rows, row)
	l.rec.add("row")
	if l.onWrite != nil {
		l.onWrite(row)
	}
	return nil
}

func (l *fakeLog) Close() error {
	l.closes++
	return l.closeErr
}

type fakeVisualizer struct {
	rec     *recorder
	renders []int // history length at each render
	err     error
}

func (v *fakeVisualizer) Render(history MetricHistory) error {
	v.rec.add("render")
	if v.err != nil {
		return v.err
	}
	v.renders = append(v.renders, history.Len())
	return nil
}

// harness bundles one set of fakes.
type harness struct {
	rec        *recorder
	supplier   *fakeSupplier
	model      *fakeModel
	monitor    *fakeMonitor
	log        *fakeLog
	visualizer *fakeVisualizer
	loaderErr  error
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec:        rec,
		supplier:   &fakeSupplier{rec: rec},
		model:      &fakeModel{rec: rec},
		monitor:    &fakeMonitor{},
		log:        &fakeLog{rec: rec},
		visualizer: &fakeVisualizer{rec: rec},
	}
}

func (h *harness) collaborators() Collaborators {
	return Collaborators{
		Supplier:   h.supplier,
		Model:      h.model,
		Loader:     fakeLoader(h.rec, h.loaderErr),
		Monitor:    h.monitor,
		Log:        h.log,
		Visualizer: h.visualizer,
	}
}

func (h *harness) rowChunks() []int {
	chunks := make([]int, len(h.log.rows))
	for i, r := range h.log.rows {
		chunks[i] = r.Chunk
	}
	return chunks
}

func intsEqual(a, b []int) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
