package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// ProgressBar renders a PyTorch-style progress line.
type ProgressBar struct {
	out         io.Writer
	description string
	unit        string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out. A nil out
// writes to stdout.
func NewProgressBar(out io.Writer, description, unit string, total int) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressBar{
		out:         out,
		description: description,
		unit:        unit,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the bar and prints one line.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	fmt.Fprintln(pb.out, pb.Line())
}

// Line formats the current state without printing it.
func (pb *ProgressBar) Line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2f%s/s", rate, pb.unit)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// FormatHMS formats d as h:mm:ss, truncating to whole seconds. Hours are
// not wrapped at 24.
func FormatHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// ParseHMS is the inverse of FormatHMS.
func ParseHMS(s string) (time.Duration, error) {
	var h, m, sec int64
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("invalid h:mm:ss duration %q: %w", s, err)
	}
	if m < 0 || m > 59 || sec < 0 || sec > 59 || h < 0 {
		return 0, fmt.Errorf("invalid h:mm:ss duration %q", s)
	}
	return time.Duration(h*3600+m*60+sec) * time.Second, nil
}
