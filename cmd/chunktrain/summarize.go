package main

import (
	"fmt"
	"io"

	"github.com/tsawler/chunktrain/sessionlog"
	"github.com/tsawler/chunktrain/training"
)

func printSummary(w io.Writer, path string) error {
	rows, err := sessionlog.ReadRows(path)
	if err != nil {
		return err
	}
	s, err := sessionlog.Summarize(rows)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "Session log: %s\n", path)
	fmt.Fprintf(w, "Chunks completed: %d\n", s.Rows)
	fmt.Fprintf(w, "Elapsed: %s\n", training.FormatHMS(s.Elapsed))
	fmt.Fprintf(w, "Final: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f\n",
		s.Final.Loss, s.Final.Accuracy, s.Final.ValLoss, s.Final.ValAccuracy)
	fmt.Fprintf(w, "Best val_acc: %.4f at chunk %d\n", s.BestValAcc, s.BestValChunk)
	fmt.Fprintf(w, "Peak RAM: %.1f%%\n", s.PeakRAM)
	return nil
}
