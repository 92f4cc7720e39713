package sessionlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/chunktrain/training"
)

func sampleRow(chunk int) training.LogRow {
	return training.LogRow{
		Chunk: chunk,
		Metrics: training.MetricSample{
			Loss:        0.5 / float64(chunk+1),
			Accuracy:    0.75,
			ValLoss:     0.625,
			ValAccuracy: 0.8125,
		},
		Elapsed: time.Duration(chunk)*time.Minute + 5*time.Second,
		Resource: training.ResourceSample{
			CPUPercent:          12.5,
			RAMPercent:          40,
			RAMAvailablePercent: 60,
		},
	}
}

func TestWriteRowsAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := l.WriteRow(sampleRow(i)); err != nil {
			t.Fatalf("WriteRow %d failed: %v", i, err)
		}
	}
	if l.Rows() != 4 {
		t.Errorf("expected 4 rows, got %d", l.Rows())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rows, err := ReadRows(path)
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row != sampleRow(i) {
			t.Errorf("row %d: got %+v, want %+v", i, row, sampleRow(i))
		}
	}
}

func TestHeaderAndRowFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.WriteRow(sampleRow(0)); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	l.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if lines[0] != "chunk,loss,binary_accuracy,val_loss,val_binary_accuracy,time,cpu_percentage,ram_usage,available_mem" {
		t.Errorf("unexpected header %q", lines[0])
	}
	if lines[1] != "0,0.5,0.75,0.625,0.8125,0:00:05,12.5,40,60" {
		t.Errorf("unexpected row %q", lines[1])
	}
}

func TestRowIsDurableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if err := l.WriteRow(sampleRow(0)); err != nil {
		t.Fatalf("WriteRow failed: %v", err)
	}
	rows, err := ReadRows(path)
	if err != nil {
		t.Fatalf("ReadRows on open log failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected the row to be on disk before close, got %d rows", len(rows))
	}
}

func TestDoubleCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		l.WriteRow(sampleRow(i))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	before, _ := os.ReadFile(path)

	if err := l.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("second Close changed the file")
	}

	if err := l.WriteRow(sampleRow(3)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestOpenTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	if err := os.WriteFile(path, []byte("stale content\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Close()

	rows, err := ReadRows(path)
	if err != nil {
		t.Fatalf("ReadRows failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty log, got %d rows", len(rows))
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"wrong header": "a,b,c,d,e,f,g,h,i\n",
		"short row":    strings.Join(Header, ",") + "\n0,1,2\n",
		"bad float":    strings.Join(Header, ",") + "\n0,x,1,1,1,0:00:01,1,1,1\n",
		"bad time":     strings.Join(Header, ",") + "\n0,1,1,1,1,soon,1,1,1\n",
	}
	for name, input := range tests {
		if _, err := Parse(strings.NewReader(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSummarize(t *testing.T) {
	rows := []training.LogRow{sampleRow(0), sampleRow(1), sampleRow(2)}
	rows[1].Metrics.ValAccuracy = 0.95
	rows[2].Resource.RAMPercent = 91

	s, err := Summarize(rows)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if s.Rows != 3 || s.LastChunk != 2 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.BestValChunk != 1 || s.BestValAcc != 0.95 {
		t.Errorf("unexpected best: chunk %d acc %v", s.BestValChunk, s.BestValAcc)
	}
	if s.PeakRAM != 91 {
		t.Errorf("expected peak ram 91, got %v", s.PeakRAM)
	}
	if s.Elapsed != 2*time.Minute+5*time.Second {
		t.Errorf("unexpected elapsed %v", s.Elapsed)
	}

	rows[1].Chunk = 5
	if _, err := Summarize(rows); err == nil {
		t.Error("expected error for gap in chunk indices")
	}
	if _, err := Summarize(nil); err == nil {
		t.Error("expected error for empty log")
	}
}
