package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agegender/agetrain/internal/config"
	"github.com/agegender/agetrain/internal/metrics"
	"github.com/agegender/agetrain/internal/model"
	log "github.com/sirupsen/logrus"
)

// Stepper runs optimization and evaluation steps and owns the global step.
type Stepper interface {
	TrainStep(b *model.Batch) (model.StepResult, error)
	EvalStep(b *model.Batch) (metrics.Values, error)
	Step() int64
	ResetStep()
	StepOffset() int64
}

// BatchSource serves batches. Reset reshuffles and rewinds.
type BatchSource interface {
	Len() int
	Reset()
	Next(ctx context.Context) (*model.Batch, error)
}

// Checkpointer persists model state and run metadata.
type Checkpointer interface {
	Restore(path string) (int64, error)
	Save(tag int64) (string, error)
	SaveFinal(tag int64) (string, error)
	SaveHyperparameters(meta any) error
}

// Recorder keeps the per-split snapshot history.
type Recorder interface {
	Record(step int64, files []string, w *metrics.Windows) error
	Resume(step int64) error
}

// ScalarSink receives tagged scalars for visualization.
type ScalarSink interface {
	WriteScalars(step int64, events []metrics.Event) error
}

// Deps are the collaborators of a run.
type Deps struct {
	Folder        string
	Graph         Stepper
	Train         BatchSource
	Test          BatchSource
	Checkpoints   Checkpointer
	TrainRecorder Recorder
	TestRecorder  Recorder
	Scalars       ScalarSink

	RunID  string
	Logger *log.Entry
	Now    func() time.Time

	closers []func() error
}

// Close releases resources opened by Bootstrap.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Deps) validate() error {
	switch {
	case d.Graph == nil:
		return errors.New("missing graph")
	case d.Train == nil || d.Test == nil:
		return errors.New("missing batch source")
	case d.Checkpoints == nil:
		return errors.New("missing checkpointer")
	case d.TrainRecorder == nil || d.TestRecorder == nil:
		return errors.New("missing metrics recorder")
	case d.Scalars == nil:
		return errors.New("missing scalar sink")
	}
	return nil
}

// Summary reports what a run did.
type Summary struct {
	Folder          string
	TrainSize       int
	TestSize        int
	BatchesPerEpoch int64
	TrainedSteps    int64
	TrainedEpochs   int64
	FirstBatch      int64
	EndBatch        int64
	LastBatch       int64
	FinalStep       int64
	Steps           int
	Validations     int
	FilesSeen       int
	Checkpoints     []string
	Interrupted     bool
}

// RunState is threaded through the phases of one run.
type RunState struct {
	cfg   config.RunConfig
	deps  *Deps
	log   *log.Entry
	start time.Time

	trainWindows *metrics.Windows
	testWindows  *metrics.Windows

	batchesPerEpoch int64
	trainedSteps    int64
	trainedEpochs   int64

	ran       bool
	lastBatch int64
	step      int64

	summary Summary
}

// Run trains for cfg.Epochs more epochs after whatever the restored
// checkpoint already covers, validating and checkpointing every
// val_frequency steps and saving once more at the end. Cancelling ctx stops
// the run between batches after a final save.
func Run(ctx context.Context, cfg config.RunConfig, deps *Deps) (Summary, error) {
	st, err := setup(cfg, deps)
	if err != nil {
		return Summary{}, err
	}
	if err := st.restore(); err != nil {
		return st.summary, err
	}
	if err := st.saveHyperparameters(); err != nil {
		return st.summary, err
	}

	first, end := BatchRange(st.trainedEpochs, cfg.Epochs, st.batchesPerEpoch)
	st.summary.FirstBatch, st.summary.EndBatch = first, end
	for idx := first; idx < end; idx++ {
		if ctx.Err() != nil {
			return st.interrupt(ctx)
		}
		if err := st.trainStep(ctx, idx); err != nil {
			if ctx.Err() != nil {
				return st.interrupt(ctx)
			}
			return st.summary, err
		}
		if !ShouldValidate(st.step, st.trainedSteps, cfg.Init.ValFrequency) {
			continue
		}
		if err := st.validate(ctx); err != nil {
			if ctx.Err() != nil {
				return st.interrupt(ctx)
			}
			return st.summary, err
		}
		if err := st.checkpoint(idx); err != nil {
			return st.summary, err
		}
	}

	if !st.ran {
		st.log.Info("no additional epochs requested, nothing to save")
		return st.summary, nil
	}
	if err := st.saveFinal(); err != nil {
		return st.summary, err
	}
	st.log.WithField("duration", config.FormatDuration(st.deps.Now().Sub(st.start))).Info("training finished")
	return st.summary, nil
}

func setup(cfg config.RunConfig, deps *Deps) (*RunState, error) {
	if deps == nil {
		return nil, phaseErr(PhaseSetup, 0, errors.New("missing dependencies"))
	}
	if err := deps.validate(); err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}
	if deps.Logger == nil {
		deps.Logger = log.NewEntry(log.StandardLogger())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	trainWindows, err := metrics.NewWindows(metrics.Train, cfg.Init.ValFrequency)
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}
	testWindows, err := metrics.NewWindows(metrics.Test, cfg.Init.ValFrequency)
	if err != nil {
		return nil, phaseErr(PhaseSetup, 0, err)
	}

	trainSize, testSize := deps.Train.Len(), deps.Test.Len()
	nb := BatchesPerEpoch(trainSize, cfg.BatchSize)
	if nb <= 0 {
		return nil, phaseErr(PhaseSetup, 0, fmt.Errorf("train size %d yields no batch of size %d", trainSize, cfg.BatchSize))
	}

	st := &RunState{
		cfg:             cfg,
		deps:            deps,
		log:             deps.Logger.WithField("folder", deps.Folder),
		start:           deps.Now(),
		trainWindows:    trainWindows,
		testWindows:     testWindows,
		batchesPerEpoch: nb,
		summary: Summary{
			Folder:          deps.Folder,
			TrainSize:       trainSize,
			TestSize:        testSize,
			BatchesPerEpoch: nb,
		},
	}
	st.log.WithFields(log.Fields{"train_size": trainSize, "test_size": testSize}).Info("datasets loaded")
	st.log.WithFields(log.Fields{
		"epochs":            cfg.Epochs,
		"batches_per_epoch": nb,
		"val_frequency":     cfg.Init.ValFrequency,
	}).Info("training plan")
	return st, nil
}

func (st *RunState) restore() error {
	if _, err := st.deps.Checkpoints.Restore(st.cfg.Init.Pretrained); err != nil {
		return phaseErr(PhaseRestore, 0, err)
	}
	st.trainedSteps = st.deps.Graph.Step()
	st.trainedEpochs = TrainedEpochs(st.trainedSteps, st.deps.Graph.StepOffset(), st.batchesPerEpoch)
	st.log.WithFields(log.Fields{
		"trained_steps":  st.trainedSteps,
		"trained_epochs": st.trainedEpochs,
	}).Info("training state restored")

	switch st.cfg.Init.Mode {
	case config.ModeStart:
		st.deps.Graph.ResetStep()
		st.trainedSteps = 0
		st.log.Info("global step turned to zero")
	case config.ModeContinue:
		if err := st.deps.TrainRecorder.Resume(st.trainedSteps); err != nil {
			return phaseErr(PhaseRestore, st.trainedSteps, err)
		}
		if err := st.deps.TestRecorder.Resume(st.trainedSteps); err != nil {
			return phaseErr(PhaseRestore, st.trainedSteps, err)
		}
	}
	st.step = st.deps.Graph.Step()
	st.summary.TrainedSteps = st.trainedSteps
	st.summary.TrainedEpochs = st.trainedEpochs
	st.summary.FinalStep = st.step
	return nil
}

func (st *RunState) saveHyperparameters() error {
	now := st.deps.Now()
	meta := st.cfg.Metadata(st.deps.RunID, now.Sub(st.start), now)
	if err := st.deps.Checkpoints.SaveHyperparameters(meta); err != nil {
		return phaseErr(PhaseCheckpointSave, st.step, err)
	}
	return nil
}

func (st *RunState) trainStep(ctx context.Context, idx int64) error {
	st.deps.Train.Reset()
	batch, err := st.deps.Train.Next(ctx)
	if err != nil {
		return phaseErr(PhaseTrainStep, st.step, fmt.Errorf("fetch batch %d: %w", idx, err))
	}
	res, err := st.deps.Graph.TrainStep(batch)
	if err != nil {
		return phaseErr(PhaseTrainStep, st.step, fmt.Errorf("batch %d: %w", idx, err))
	}
	st.ran = true
	st.lastBatch = idx
	st.step = res.Step
	st.summary.Steps++
	st.summary.LastBatch = idx
	st.summary.FinalStep = res.Step
	st.summary.FilesSeen += len(batch.Files)

	evs, err := st.trainWindows.Update(res.Values)
	if err != nil {
		return phaseErr(PhaseTrainStep, res.Step, err)
	}
	if err := st.deps.Scalars.WriteScalars(res.Step, evs); err != nil {
		return phaseErr(PhaseMetricsWrite, res.Step, err)
	}
	if err := st.deps.TrainRecorder.Record(res.Step, batch.Files, st.trainWindows); err != nil {
		return phaseErr(PhaseMetricsWrite, res.Step, err)
	}
	st.log.WithFields(log.Fields{
		"step":       res.Step,
		"batch":      idx,
		"total_loss": res.Values[metrics.TotalLoss],
		"lr":         res.Values[metrics.LearningRate],
	}).Debug("train step")
	return nil
}

func (st *RunState) validate(ctx context.Context) error {
	began := st.deps.Now()
	v := st.cfg.Init.ValFrequency
	st.deps.Test.Reset()
	for i := 1; i <= v; i++ {
		n := ValidationStep(st.step, v, i)
		batch, err := st.deps.Test.Next(ctx)
		if err != nil {
			return phaseErr(PhaseValidationStep, n, fmt.Errorf("fetch test batch: %w", err))
		}
		values, err := st.deps.Graph.EvalStep(batch)
		if err != nil {
			return phaseErr(PhaseValidationStep, n, err)
		}
		evs, err := st.testWindows.Update(values)
		if err != nil {
			return phaseErr(PhaseValidationStep, n, err)
		}
		if err := st.deps.Scalars.WriteScalars(n, evs); err != nil {
			return phaseErr(PhaseMetricsWrite, n, err)
		}
		if err := st.deps.TestRecorder.Record(n, batch.Files, st.testWindows); err != nil {
			return phaseErr(PhaseMetricsWrite, n, err)
		}
	}
	st.summary.Validations++
	now := st.deps.Now()
	fields := log.Fields{
		"step":       st.step,
		"duration":   config.FormatDuration(now.Sub(began)),
		"cumulative": config.FormatDuration(now.Sub(st.start)),
	}
	if w := st.testWindows.Window(metrics.MAE); w != nil {
		fields["test_mae"] = w.Mean()
	}
	st.log.WithFields(fields).Info("validation finished")
	return nil
}

func (st *RunState) checkpoint(idx int64) error {
	path, err := st.deps.Checkpoints.Save(idx)
	if err != nil {
		return phaseErr(PhaseCheckpointSave, st.step, err)
	}
	st.summary.Checkpoints = append(st.summary.Checkpoints, path)
	return st.saveHyperparameters()
}

func (st *RunState) saveFinal() error {
	path, err := st.deps.Checkpoints.SaveFinal(st.lastBatch)
	if err != nil {
		return phaseErr(PhaseCheckpointSave, st.step, err)
	}
	st.summary.Checkpoints = append(st.summary.Checkpoints, path)
	return nil
}

func (st *RunState) interrupt(ctx context.Context) (Summary, error) {
	st.summary.Interrupted = true
	st.log.WithField("step", st.step).Warn("training interrupted")
	if st.ran {
		if err := st.saveFinal(); err != nil {
			return st.summary, err
		}
	}
	return st.summary, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
}
