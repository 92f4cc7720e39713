// Package sessionlog records one durable row per completed training chunk.
package sessionlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tsawler/chunktrain/training"
)

// Header is the fixed column order of the session log.
var Header = []string{
	"chunk",
	"loss",
	"binary_accuracy",
	"val_loss",
	"val_binary_accuracy",
	"time",
	"cpu_percentage",
	"ram_usage",
	"available_mem",
}

// ErrClosed is returned by WriteRow after Close.
var ErrClosed = errors.New("session log is closed")

// CSVLog is the authoritative session log. Every WriteRow is flushed and
// fsynced before it returns, so a crash loses at most the in-flight row.
type CSVLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
	rows   int
	closed bool
}

var _ training.SessionLog = (*CSVLog)(nil)

// Open creates or truncates path and writes the header.
func Open(path string) (*CSVLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}

	l := &CSVLog{path: path, file: file, writer: csv.NewWriter(file)}
	if err := l.write(Header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write session log header: %w", err)
	}
	return l, nil
}

// Path returns the log file path.
func (l *CSVLog) Path() string {
	return l.path
}

// Rows returns the number of rows written so far, excluding the header.
func (l *CSVLog) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// WriteRow appends one row and syncs it to stable storage.
func (l *CSVLog) WriteRow(row training.LogRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.write(FormatRow(row)); err != nil {
		return fmt.Errorf("failed to write row for chunk %d: %w", row.Chunk, err)
	}
	l.rows++
	return nil
}

func (l *CSVLog) write(record []string) error {
	if err := l.writer.Write(record); err != nil {
		return err
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close closes the file. Calls after the first return nil.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// FormatRow renders a row in Header order.
func FormatRow(row training.LogRow) []string {
	return []string{
		strconv.Itoa(row.Chunk),
		formatFloat(row.Metrics.Loss),
		formatFloat(row.Metrics.Accuracy),
		formatFloat(row.Metrics.ValLoss),
		formatFloat(row.Metrics.ValAccuracy),
		training.FormatHMS(row.Elapsed),
		formatFloat(row.Resource.CPUPercent),
		formatFloat(row.Resource.RAMPercent),
		formatFloat(row.Resource.RAMAvailablePercent),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ReadRows parses a session log written by CSVLog.
func ReadRows(path string) ([]training.LogRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads a session log from r.
func Parse(r io.Reader) ([]training.LogRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Header)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, name := range Header {
		if header[i] != name {
			return nil, fmt.Errorf("unexpected column %d: got %q, want %q", i, header[i], name)
		}
	}

	var rows []training.LogRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(record []string) (training.LogRow, error) {
	var row training.LogRow
	chunk, err := strconv.Atoi(record[0])
	if err != nil {
		return row, fmt.Errorf("invalid chunk index %q: %w", record[0], err)
	}
	row.Chunk = chunk

	floats := make([]float64, 0, 7)
	for _, i := range []int{1, 2, 3, 4, 6, 7, 8} {
		v, err := strconv.ParseFloat(record[i], 64)
		if err != nil {
			return row, fmt.Errorf("invalid %s value %q: %w", Header[i], record[i], err)
		}
		floats = append(floats, v)
	}
	elapsed, err := training.ParseHMS(record[5])
	if err != nil {
		return row, err
	}

	row.Metrics = training.MetricSample{
		Loss:        floats[0],
		Accuracy:    floats[1],
		ValLoss:     floats[2],
		ValAccuracy: floats[3],
	}
	row.Elapsed = elapsed
	row.Resource = training.ResourceSample{
		CPUPercent:          floats[4],
		RAMPercent:          floats[5],
		RAMAvailablePercent: floats[6],
	}
	return row, nil
}

// Summary describes a finished log.
type Summary struct {
	Rows         int
	LastChunk    int
	Elapsed      time.Duration
	Final        training.MetricSample
	BestValAcc   float64
	BestValChunk int
	PeakRAM      float64
}

// Summarize computes a Summary over rows. It returns an error for an empty
// log or one whose chunk indices are not 0..n-1.
func Summarize(rows []training.LogRow) (Summary, error) {
	if len(rows) == 0 {
		return Summary{}, errors.New("session log has no rows")
	}
	s := Summary{Rows: len(rows), BestValAcc: -1}
	for i, row := range rows {
		if row.Chunk != i {
			return Summary{}, fmt.Errorf("row %d has chunk index %d", i, row.Chunk)
		}
		if row.Metrics.ValAccuracy > s.BestValAcc {
			s.BestValAcc = row.Metrics.ValAccuracy
			s.BestValChunk = row.Chunk
		}
		if row.Resource.RAMPercent > s.PeakRAM {
			s.PeakRAM = row.Resource.RAMPercent
		}
	}
	last := rows[len(rows)-1]
	s.LastChunk = last.Chunk
	s.Elapsed = last.Elapsed
	s.Final = last.Metrics
	return s, nil
}
