package training

import "time"

// State is the controller's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StateCompleted
	StateInterrupted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Session is the bookkeeping for one training run. It is owned by the
// controller and mutated once per chunk.
type Session struct {
	ID                 string
	NumChunks          int
	CheckpointInterval int
	PlotInterval       int
	Current            int // next chunk index to run; equals completed chunks
	StartedAt          time.Time
	Elapsed            time.Duration
	State              State
}

// Result summarizes a finished Run.
type Result struct {
	SessionID       string
	State           State
	ChunksCompleted int
	Elapsed         time.Duration
	Resets          int
	History         MetricHistory

	// Cause is set when the session was interrupted and matches
	// ErrInterrupted.
	Cause error
	// FinalSaveErr records a failed best-effort save on the interrupt path.
	FinalSaveErr error
}
