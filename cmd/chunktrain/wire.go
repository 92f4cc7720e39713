package main

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/tsawler/chunktrain/config"
	"github.com/tsawler/chunktrain/model"
	"github.com/tsawler/chunktrain/plotting"
	"github.com/tsawler/chunktrain/resources"
	"github.com/tsawler/chunktrain/sessionlog"
	"github.com/tsawler/chunktrain/training"
	"github.com/tsawler/chunktrain/vision/dataloader"
	"github.com/tsawler/chunktrain/vision/dataset"
)

// newController assembles every collaborator named by cfg. On error nothing
// is left open.
func newController(ctx context.Context, cfg config.Config, sessionID string, logger *zap.SugaredLogger, out io.Writer) (*training.Controller, error) {
	corpus, err := newCorpus(cfg)
	if err != nil {
		return nil, err
	}
	supplier, err := dataloader.New(corpus, dataloader.Config{
		ImageDims: cfg.ImgDims,
		Workers:   cfg.NumWorkers,
		CacheSize: cfg.CacheSize,
		Augment:   true,
		Seed:      cfg.Seed,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	spec, err := model.NewBinaryClassifierSpec(cfg.NetName, cfg.ImgDims, cfg.NetHiddenUnits)
	if err != nil {
		return nil, err
	}
	adam := model.DefaultAdamConfig()
	adam.LearningRate = float32(cfg.NetLearningRate)
	net, err := model.New(model.Config{
		Spec:      spec,
		Optimizer: adam,
		Seed:      cfg.Seed,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	logger.Infow("model built",
		"name", cfg.NetName,
		"parameters", humanize.Comma(spec.TotalParameters),
		"train_images", corpus.Size(training.SplitTrain),
		"validation_images", corpus.Size(training.SplitValidation),
	)

	monitor := resources.NewMonitor()

	log, err := newSessionLog(ctx, cfg, sessionID, logger)
	if err != nil {
		net.Release()
		return nil, err
	}

	controller, err := training.NewController(training.ControllerConfig{
		NumChunks:           cfg.NumChunks,
		ChunkSize:           cfg.ChunkSize,
		ValidationChunkSize: cfg.ValidationChunkSize,
		CheckpointInterval:  cfg.ChunkSaveInterval,
		PlotInterval:        cfg.ChunkPlotInterval,
		BatchSize:           cfg.NetBatchSize,
		Epochs:              cfg.NetEpochs,
		WeightsPath:         cfg.WeightsPath(),
		ModelPath:           cfg.ModelPath(),
		ArchitecturePath:    cfg.ArchitecturePath(),
		HistoryPath:         cfg.HistoryPath(),
		HostDescription:     hostDescription(monitor),
		SessionID:           sessionID,
		Logger:              logger,
		Out:                 out,
	}, training.Collaborators{
		Supplier:   supplier,
		Model:      net,
		Loader:     model.Loader(),
		Monitor:    monitor,
		Log:        log,
		Visualizer: newVisualizer(ctx, cfg, sessionID, logger),
	})
	if err != nil {
		_ = log.Close()
		net.Release()
		return nil, err
	}
	return controller, nil
}

func newCorpus(cfg config.Config) (dataset.Corpus, error) {
	switch cfg.Dataset.Kind {
	case "synthetic":
		corpus, err := dataset.NewSyntheticCorpus(cfg.ImgDims, cfg.Dataset.SyntheticImages)
		if err != nil {
			return nil, err
		}
		return corpus, nil
	case "lens":
		corpus, err := dataset.NewLensCorpus(dataset.LensCorpusConfig{
			LensesDir:          cfg.Dataset.LensesDir,
			NegativesDir:       cfg.Dataset.NegativesDir,
			SourcesDir:         cfg.Dataset.SourcesDir,
			ValidationFraction: cfg.Dataset.ValidationFraction,
			AlphaMin:           cfg.AlphaScaling[0],
			AlphaMax:           cfg.AlphaScaling[1],
			Seed:               cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
		return corpus, nil
	default:
		return nil, fmt.Errorf("unknown dataset kind %q", cfg.Dataset.Kind)
	}
}

// newSessionLog opens the CSV log and, when a ledger is configured, mirrors
// it into SQL.
func newSessionLog(ctx context.Context, cfg config.Config, sessionID string, logger *zap.SugaredLogger) (training.SessionLog, error) {
	csvLog, err := sessionlog.Open(cfg.HistoryPath())
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.Driver == "" {
		return csvLog, nil
	}
	mirror, err := sessionlog.OpenSQLMirror(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN, sessionID)
	if err != nil {
		_ = csvLog.Close()
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Ledger.Driver, err)
	}
	logger.Infow("mirroring session log", "driver", cfg.Ledger.Driver)
	return sessionlog.NewTee(logger, csvLog, mirror), nil
}

// newVisualizer always renders the PNG. A configured sidecar is added even
// when its health check fails, since it may come up later in the session.
func newVisualizer(ctx context.Context, cfg config.Config, sessionID string, logger *zap.SugaredLogger) training.Visualizer {
	renderers := plotting.Multi{plotting.NewPNGRenderer(cfg.PlotPath())}
	if cfg.Sidecar.URL == "" {
		return renderers
	}

	sc := plotting.DefaultSidecarConfig()
	sc.BaseURL = cfg.Sidecar.URL
	sc.ModelName = cfg.NetName
	sc.SessionID = sessionID
	sidecar := plotting.NewSidecarPublisher(sc, logger)

	hctx, cancel := context.WithTimeout(ctx, sc.RenderTimeout)
	defer cancel()
	if err := sidecar.CheckHealth(hctx); err != nil {
		logger.Warnw("plot sidecar unreachable", "url", sc.BaseURL, "error", err)
	} else {
		logger.Infow("publishing plots to sidecar", "url", sc.BaseURL)
	}
	return append(renderers, sidecar)
}

// hostDescription names the CPU and memory the session runs on.
func hostDescription(monitor *resources.Monitor) string {
	desc := fmt.Sprintf("%s (%d physical / %d logical cores, %s/%s)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		runtime.GOOS, runtime.GOARCH)
	if sample, err := monitor.Sample(); err == nil {
		desc += fmt.Sprintf(", %s RAM", humanize.IBytes(sample.RAMTotal))
	}
	return desc
}
