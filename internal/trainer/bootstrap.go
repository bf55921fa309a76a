package trainer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agegender/agetrain/internal/checkpoint"
	"github.com/agegender/agetrain/internal/config"
	"github.com/agegender/agetrain/internal/dataset"
	"github.com/agegender/agetrain/internal/device"
	"github.com/agegender/agetrain/internal/events"
	"github.com/agegender/agetrain/internal/metrics"
	"github.com/agegender/agetrain/internal/model"
	"github.com/agegender/agetrain/internal/parallel"
	log "github.com/sirupsen/logrus"
)

// LogsDir is the experiment subfolder holding event files.
const LogsDir = "logs"

// Options configures Bootstrap.
type Options struct {
	Logger *log.Entry
	Now    func() time.Time

	// RunID identifies the invocation; a random one is generated when empty.
	RunID string

	// SkipDevices leaves CUDA_VISIBLE_DEVICES and NVML alone.
	SkipDevices bool
}

// Bootstrap resolves the experiment folder and builds every collaborator of
// a run from cfg. The returned Deps must be closed.
func Bootstrap(cfg config.RunConfig, opts Options) (*Deps, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = config.NewRunID()
	}
	logger := opts.Logger.WithField("run_id", opts.RunID)

	if cfg.Init.Mode == config.ModeContinue {
		if err := checkPretrained(cfg.Init.Pretrained); err != nil {
			return nil, phaseErr(PhaseRestore, 0, err)
		}
	}
	folder := config.ExperimentFolder(cfg, opts.Now())
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return nil, phaseErr(PhaseSetup, 0, fmt.Errorf("create experiment folder: %w", err))
	}
	logger.WithField("folder", folder).Info("experiment folder ready")

	if !opts.SkipDevices {
		device.Configure(cfg.Cuda, logger)
	}

	sched, err := cfg.Init.LearningRate.Build()
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}
	m, spec, err := model.New(cfg.Init.Model, cfg.Init.Seed)
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}
	graph := model.NewGraph(m, sched)
	if cfg.Init.TrainedStepOffset != nil {
		graph.WithStepOffset(*cfg.Init.TrainedStepOffset)
	}
	logger.WithFields(log.Fields{"model": m.Name(), "schedule": sched.Name()}).Info("model built")

	var balance *dataset.BalancerConfig
	if cfg.Init.BalanceDataset {
		balance = &dataset.BalancerConfig{
			AgeBinSize:  cfg.Init.DatasetJSONLoader.AgeBinSize,
			MaxPerGroup: cfg.Init.DatasetJSONLoader.MaxPerGroup,
			Seed:        cfg.Init.DatasetJSONLoader.Seed,
		}
	}
	open := func(path string, seed int64) (*dataset.Source, error) {
		return dataset.Open(path, dataset.OpenOptions{
			SourceOptions: dataset.SourceOptions{
				BatchSize:  cfg.BatchSize,
				Repeat:     true,
				ReadImages: spec.NeedsImages,
				Loaders:    parallel.DefaultConfig(),
				Seed:       seed,
			},
			Balance: balance,
		})
	}
	train, err := open(cfg.Init.TrainDatasetPath, cfg.Init.Seed)
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, fmt.Errorf("train dataset: %w", err))
	}
	test, err := open(cfg.Init.TestDatasetPath, cfg.Init.Seed+1)
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, fmt.Errorf("test dataset: %w", err))
	}

	mgr, err := checkpoint.NewManager(folder, m, checkpoint.Options{
		Keep: cfg.Init.KeepCheckpoints,
		Metadata: map[string]string{
			"run_id":     opts.RunID,
			"batch_size": strconv.Itoa(cfg.BatchSize),
		},
		Logger: logger,
		Now:    opts.Now,
	})
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}

	writer, err := events.NewWriter(filepath.Join(folder, LogsDir))
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}

	return &Deps{
		Folder:        folder,
		Graph:         graph,
		Train:         train,
		Test:          test,
		Checkpoints:   mgr,
		TrainRecorder: metrics.NewRecorder(folder, metrics.Train),
		TestRecorder:  metrics.NewRecorder(folder, metrics.Test),
		Scalars:       writer,
		RunID:         opts.RunID,
		Logger:        logger,
		Now:           opts.Now,
		closers:       []func() error{writer.Close},
	}, nil
}

// checkPretrained fails when path holds no checkpoint, before the continued
// run creates anything next to it.
func checkPretrained(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		_, err = checkpoint.Latest(path)
	}
	return err
}
