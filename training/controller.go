package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HighWaterMark is the RAM utilization percentage at or above which the
// controller tears down and reloads the model.
const HighWaterMark = 90.0

// ControllerConfig holds the fully resolved settings for one session.
type ControllerConfig struct {
	NumChunks           int
	ChunkSize           int
	ValidationChunkSize int
	CheckpointInterval  int
	PlotInterval        int
	BatchSize           int
	Epochs              int

	WeightsPath      string
	ModelPath        string
	ArchitecturePath string // optional; skipped when empty
	HistoryPath      string // only printed in the final summary

	// HostDescription is appended to the architecture dump.
	HostDescription string
	SessionID       string

	Logger *zap.SugaredLogger
	Out    io.Writer
}

// Validate checks the configuration before a session starts.
func (c ControllerConfig) Validate() error {
	switch {
	case c.NumChunks <= 0:
		return fmt.Errorf("num_chunks must be positive, got %d", c.NumChunks)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunksize must be positive, got %d", c.ChunkSize)
	case c.ValidationChunkSize <= 0:
		return fmt.Errorf("validation_chunksize must be positive, got %d", c.ValidationChunkSize)
	case c.CheckpointInterval <= 0:
		return fmt.Errorf("chunk_save_interval must be positive, got %d", c.CheckpointInterval)
	case c.PlotInterval <= 0:
		return fmt.Errorf("chunk_plot_interval must be positive, got %d", c.PlotInterval)
	case c.BatchSize <= 0:
		return fmt.Errorf("net_batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return fmt.Errorf("net_epochs must be positive, got %d", c.Epochs)
	case c.WeightsPath == "":
		return fmt.Errorf("weights path is required")
	case c.ModelPath == "":
		return fmt.Errorf("model path is required")
	}
	return nil
}

// Collaborators are the components the controller drives.
type Collaborators struct {
	Supplier   ChunkSupplier
	Model      Model
	Loader     ModelLoader
	Monitor    ResourceMonitor
	Log        SessionLog
	Visualizer Visualizer
}

// Controller runs the chunked training loop. It owns the session state, the
// metric history and the single live model handle. A Controller runs once.
type Controller struct {
	config     ControllerConfig
	supplier   ChunkSupplier
	model      Model
	loader     ModelLoader
	monitor    ResourceMonitor
	log        SessionLog
	visualizer Visualizer

	logger *zap.SugaredLogger
	out    io.Writer
	bar    *ProgressBar

	session   Session
	history   MetricHistory
	resets    int
	logClosed bool

	// releaseMemory runs after the old model is released on a reset.
	releaseMemory func()
}

// NewController validates config and wires the collaborators. The session
// log is closed by Run on every exit path.
func NewController(config ControllerConfig, deps Collaborators) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	switch {
	case deps.Supplier == nil:
		return nil, errors.New("chunk supplier is required")
	case deps.Model == nil:
		return nil, errors.New("model is required")
	case deps.Loader == nil:
		return nil, errors.New("model loader is required")
	case deps.Monitor == nil:
		return nil, errors.New("resource monitor is required")
	case deps.Log == nil:
		return nil, errors.New("session log is required")
	case deps.Visualizer == nil:
		return nil, errors.New("visualizer is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	out := config.Out
	if out == nil {
		out = os.Stdout
	}

	return &Controller{
		config:     config,
		supplier:   deps.Supplier,
		model:      deps.Model,
		loader:     deps.Loader,
		monitor:    deps.Monitor,
		log:        deps.Log,
		visualizer: deps.Visualizer,
		logger:     logger.With("session", config.SessionID),
		out:        out,
		session: Session{
			ID:                 config.SessionID,
			NumChunks:          config.NumChunks,
			CheckpointInterval: config.CheckpointInterval,
			PlotInterval:       config.PlotInterval,
			State:              StateInit,
		},
		releaseMemory: debug.FreeOSMemory,
	}, nil
}

// Session returns a copy of the current session bookkeeping.
func (c *Controller) Session() Session {
	return c.session
}

// Model returns the live model handle, which changes after a reset.
func (c *Controller) Model() Model {
	return c.model
}

// Run executes the session until all chunks are done, ctx is cancelled, or
// a fatal error occurs. Cancellation is observed before each chunk starts;
// a chunk already in progress always completes and is logged.
//
// An interrupted session returns a Result in StateInterrupted and a nil
// error unless closing the log fails. Fatal errors are *SessionError values
// matching one of the Err* kinds.
func (c *Controller) Run(ctx context.Context) (result Result, err error) {
	if c.session.State != StateInit {
		return Result{}, fmt.Errorf("session %s already ran (state %s)", c.session.ID, c.session.State)
	}

	c.session.State = StateRunning
	c.session.StartedAt = time.Now()
	c.bar = NewProgressBar(c.out, "Chunks", "chunk", c.config.NumChunks)
	c.logger.Infow("session started",
		"num_chunks", c.config.NumChunks,
		"chunksize", c.config.ChunkSize,
		"validation_chunksize", c.config.ValidationChunkSize,
		"checkpoint_interval", c.config.CheckpointInterval,
		"plot_interval", c.config.PlotInterval,
	)

	defer func() {
		if cerr := c.closeLog(); cerr != nil {
			err = multierr.Append(err, newSessionError(ErrPersistence, -1, "close session log", cerr))
		}
		if err != nil && c.session.State == StateRunning {
			c.session.State = StateFailed
		}
		c.session.Elapsed = time.Since(c.session.StartedAt)
		result.SessionID = c.session.ID
		result.State = c.session.State
		result.ChunksCompleted = c.session.Current
		result.Elapsed = c.session.Elapsed
		result.Resets = c.resets
		result.History = c.history.Snapshot()
		if err != nil {
			c.logger.Errorw("session failed", "state", c.session.State, "error", err)
		}
	}()

	if err := c.writeArchitecture(); err != nil {
		return result, err
	}

	for chunk := 0; chunk < c.config.NumChunks; chunk++ {
		if ctx.Err() != nil {
			c.interrupt(ctx, &result)
			return result, nil
		}
		if err := c.runChunk(chunk); err != nil {
			return result, err
		}
	}

	return result, c.complete()
}

func (c *Controller) writeArchitecture() error {
	if c.config.ArchitecturePath == "" {
		return nil
	}
	text := c.model.Summary()
	if c.config.HostDescription != "" {
		text += "\nHost: " + c.config.HostDescription + "\n"
	}
	if dir := filepath.Dir(c.config.ArchitecturePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return newSessionError(ErrPersistence, -1, "write architecture", err)
		}
	}
	if err := os.WriteFile(c.config.ArchitecturePath, []byte(text), 0644); err != nil {
		return newSessionError(ErrPersistence, -1, "write architecture", err)
	}
	c.logger.Infow("architecture written", "path", c.config.ArchitecturePath)
	return nil
}

func (c *Controller) runChunk(chunk int) error {
	fmt.Fprintf(c.out, "Chunk %d/%d\n", chunk+1, c.config.NumChunks)

	train, err := c.supplier.LoadChunk(SplitTrain, c.config.ChunkSize)
	if err != nil {
		return newSessionError(ErrData, chunk, "load train chunk", err)
	}
	validation, err := c.supplier.LoadChunk(SplitValidation, c.config.ValidationChunkSize)
	if err != nil {
		return newSessionError(ErrData, chunk, "load validation chunk", err)
	}

	fitStart := time.Now()
	fitHistory, err := c.model.Fit(train, validation, FitOptions{
		Epochs:    c.config.Epochs,
		BatchSize: c.config.BatchSize,
	})
	if err != nil {
		return newSessionError(ErrModelFit, chunk, "fit", err)
	}
	metrics, ok := fitHistory.First()
	if !ok {
		return newSessionError(ErrModelFit, chunk, "fit", errors.New("fit returned no metrics"))
	}
	fitTime := time.Since(fitStart)
	fmt.Fprintf(c.out, "Training on chunk took: %s\n", FormatHMS(fitTime))

	c.session.Elapsed = time.Since(c.session.StartedAt)

	sample, err := c.monitor.Sample()
	if err != nil {
		return newSessionError(ErrResourceQuery, chunk, "sample resources", err)
	}

	if chunk%c.config.CheckpointInterval == 0 {
		if err := c.model.SaveWeights(c.config.WeightsPath); err != nil {
			return newSessionError(ErrPersistence, chunk, "save weights", err)
		}
		fmt.Fprintf(c.out, "Saved weights to %s\n", c.config.WeightsPath)
		c.logger.Infow("checkpoint saved", "chunk", chunk, "path", c.config.WeightsPath)
	}

	if sample.RAMPercent >= HighWaterMark {
		if err := c.resetModel(chunk, sample.RAMPercent); err != nil {
			return err
		}
	}

	row := LogRow{
		Chunk:    chunk,
		Metrics:  metrics,
		Elapsed:  c.session.Elapsed,
		Resource: sample,
	}
	if err := c.log.WriteRow(row); err != nil {
		return newSessionError(ErrPersistence, chunk, "write log row", err)
	}
	c.history.Append(metrics)
	c.session.Current = chunk + 1

	c.bar.Update(chunk+1, map[string]float64{
		"loss":         metrics.Loss,
		"accuracy":     metrics.Accuracy,
		"val_loss":     metrics.ValLoss,
		"val_accuracy": metrics.ValAccuracy,
	})
	c.logger.Infow("chunk completed",
		"chunk", chunk,
		"loss", metrics.Loss,
		"accuracy", metrics.Accuracy,
		"val_loss", metrics.ValLoss,
		"val_accuracy", metrics.ValAccuracy,
		"fit_time", fitTime,
		"cpu_percent", sample.CPUPercent,
		"ram_percent", sample.RAMPercent,
	)

	if chunk%c.config.PlotInterval == 0 {
		if err := c.visualizer.Render(c.history.Snapshot()); err != nil {
			return newSessionError(ErrRender, chunk, "render history", err)
		}
		c.logger.Debugw("history rendered", "chunk", chunk)
	}

	return nil
}

// resetModel saves the full model, drops the live handle and replaces it
// with one reloaded from disk.
func (c *Controller) resetModel(chunk int, ramPercent float64) error {
	c.logger.Warnw("memory high-water mark reached, reloading model",
		"chunk", chunk, "ram_percent", ramPercent, "path", c.config.ModelPath)

	if err := c.model.SaveFull(c.config.ModelPath); err != nil {
		return newSessionError(ErrPersistence, chunk, "save full model", err)
	}
	c.model.Release()
	if c.releaseMemory != nil {
		c.releaseMemory()
	}

	reloaded, err := c.loader(c.config.ModelPath)
	if err != nil {
		return newSessionError(ErrPersistence, chunk, "reload full model", err)
	}
	c.model = reloaded
	c.resets++
	fmt.Fprintf(c.out, "Memory usage at %.1f%%, model reloaded from %s\n", ramPercent, c.config.ModelPath)
	return nil
}

func (c *Controller) interrupt(ctx context.Context, result *Result) {
	c.session.State = StateInterrupted
	result.Cause = newSessionError(ErrInterrupted, c.session.Current, "run", context.Cause(ctx))
	fmt.Fprintf(c.out, "Training interrupted after %d/%d chunks, saving weights\n", c.session.Current, c.config.NumChunks)

	if err := c.model.SaveWeights(c.config.WeightsPath); err != nil {
		result.FinalSaveErr = newSessionError(ErrPersistence, c.session.Current, "save weights on interrupt", err)
		fmt.Fprintf(c.out, "Failed to save weights: %v\n", err)
		c.logger.Errorw("interrupt save failed", "error", err)
	} else {
		fmt.Fprintf(c.out, "Saved weights to %s\n", c.config.WeightsPath)
	}
	c.logger.Infow("session interrupted", "chunks_completed", c.session.Current)
}

func (c *Controller) complete() error {
	if err := c.model.SaveWeights(c.config.WeightsPath); err != nil {
		return newSessionError(ErrPersistence, -1, "save final weights", err)
	}
	c.session.State = StateCompleted
	elapsed := time.Since(c.session.StartedAt)

	fmt.Fprintf(c.out, "Saved weights to %s\n", c.config.WeightsPath)
	if c.config.HistoryPath != "" {
		fmt.Fprintf(c.out, "Saved history to %s\n", c.config.HistoryPath)
	}
	fmt.Fprintf(c.out, "Total training time: %s\n", FormatHMS(elapsed))
	c.logger.Infow("session completed", "chunks", c.session.Current, "elapsed", elapsed, "resets", c.resets)
	return nil
}

func (c *Controller) closeLog() error {
	if c.logClosed {
		return nil
	}
	c.logClosed = true
	return c.log.Close()
}
