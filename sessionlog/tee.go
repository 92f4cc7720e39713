package sessionlog

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tsawler/chunktrain/training"
)

// Tee writes every row to a primary log and then to best-effort mirrors.
// Only primary failures are returned from WriteRow; mirror failures are
// logged.
type Tee struct {
	primary training.SessionLog
	mirrors []training.SessionLog
	logger  *zap.SugaredLogger

	closeOnce sync.Once
	closeErr  error
}

var _ training.SessionLog = (*Tee)(nil)

// NewTee creates a Tee. A nil logger discards mirror warnings.
func NewTee(logger *zap.SugaredLogger, primary training.SessionLog, mirrors ...training.SessionLog) *Tee {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tee{primary: primary, mirrors: mirrors, logger: logger}
}

func (t *Tee) WriteRow(row training.LogRow) error {
	if err := t.primary.WriteRow(row); err != nil {
		return err
	}
	for i, m := range t.mirrors {
		if err := m.WriteRow(row); err != nil {
			t.logger.Warnw("session log mirror write failed", "mirror", i, "chunk", row.Chunk, "error", err)
		}
	}
	return nil
}

// Close closes the primary and every mirror once and combines their errors.
func (t *Tee) Close() error {
	t.closeOnce.Do(func() {
		err := t.primary.Close()
		for _, m := range t.mirrors {
			err = multierr.Append(err, m.Close())
		}
		t.closeErr = err
	})
	return t.closeErr
}
