package trainer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/agegender/agetrain/internal/config"
	"github.com/agegender/agetrain/internal/metrics"
	"github.com/agegender/agetrain/internal/model"
	"github.com/agegender/agetrain/internal/schedule"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allValues(v float64) metrics.Values {
	out := metrics.Values{}
	for _, m := range metrics.Train.Metrics() {
		out[m] = v
	}
	return out
}

type fakeGraph struct {
	step      int64
	offset    int64
	trainErr  error
	evalErr   error
	onTrain   func(call int)
	trains    int
	evals     int
	stepReset bool
}

func (g *fakeGraph) TrainStep(*model.Batch) (model.StepResult, error) {
	g.trains++
	if g.onTrain != nil {
		g.onTrain(g.trains)
	}
	if g.trainErr != nil {
		return model.StepResult{}, g.trainErr
	}
	g.step++
	return model.StepResult{Step: g.step, Values: allValues(float64(g.step))}, nil
}

func (g *fakeGraph) EvalStep(*model.Batch) (metrics.Values, error) {
	g.evals++
	if g.evalErr != nil {
		return nil, g.evalErr
	}
	return allValues(1), nil
}

func (g *fakeGraph) Step() int64 { return g.step }
func (g *fakeGraph) ResetStep() { g.step = 0; g.stepReset = true }
func (g *fakeGraph) StepOffset() int64 { return g.offset }

type fakeSource struct {
	size    int
	resets  int
	served  int
	nextErr error
}

func (s *fakeSource) Len() int { return s.size }
func (s *fakeSource) Reset() { s.resets++ }
func (s *fakeSource) Next(ctx context.Context) (*model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.nextErr != nil {
		return nil, s.nextErr
	}
	s.served++
	return &model.Batch{Files: []string{fmt.Sprintf("img_%d.jpg", s.served)}}, nil
}

type fakeCheckpointer struct {
	graph       *fakeGraph
	restoreStep int64
	restoreErr  error
	saveErr     error
	restored    []string
	saves       []string
	hyper       []config.RunMetadata
}

func (c *fakeCheckpointer) Restore(path string) (int64, error) {
	c.restored = append(c.restored, path)
	if c.restoreErr != nil {
		return 0, c.restoreErr
	}
	if path != "" {
		c.graph.step = c.restoreStep
	}
	return c.graph.step, nil
}

func (c *fakeCheckpointer) Save(tag int64) (string, error) {
	if c.saveErr != nil {
		return "", c.saveErr
	}
	p := fmt.Sprintf("save-%d", tag)
	c.saves = append(c.saves, p)
	return p, nil
}

func (c *fakeCheckpointer) SaveFinal(tag int64) (string, error) {
	p := fmt.Sprintf("final-%d", tag)
	c.saves = append(c.saves, p)
	return p, nil
}

func (c *fakeCheckpointer) SaveHyperparameters(meta any) error {
	c.hyper = append(c.hyper, meta.(config.RunMetadata))
	return nil
}

type fakeRecorder struct {
	steps   []int64
	resumed []int64
}

func (r *fakeRecorder) Record(step int64, _ []string, _ *metrics.Windows) error {
	r.steps = append(r.steps, step)
	return nil
}

func (r *fakeRecorder) Resume(step int64) error {
	r.resumed = append(r.resumed, step)
	return nil
}

type fakeSink struct {
	steps []int64
	tags  map[string]int
	err   error
}

func (s *fakeSink) WriteScalars(step int64, evs []metrics.Event) error {
	if s.err != nil {
		return s.err
	}
	if s.tags == nil {
		s.tags = map[string]int{}
	}
	s.steps = append(s.steps, step)
	for _, e := range evs {
		s.tags[e.Tag]++
	}
	return nil
}

type harness struct {
	graph    *fakeGraph
	train    *fakeSource
	test     *fakeSource
	ckpt     *fakeCheckpointer
	trainRec *fakeRecorder
	testRec  *fakeRecorder
	sink     *fakeSink
	hook     *test.Hook
	deps     *Deps
}

func newHarness(trainSize int) *harness {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	g := &fakeGraph{}
	h := &harness{
		graph:    g,
		train:    &fakeSource{size: trainSize},
		test:     &fakeSource{size: 4},
		ckpt:     &fakeCheckpointer{graph: g},
		trainRec: &fakeRecorder{},
		testRec:  &fakeRecorder{},
		sink:     &fakeSink{},
		hook:     hook,
	}
	h.deps = &Deps{
		Folder:        "exp",
		Graph:         h.graph,
		Train:         h.train,
		Test:          h.test,
		Checkpoints:   h.ckpt,
		TrainRecorder: h.trainRec,
		TestRecorder:  h.testRec,
		Scalars:       h.sink,
		RunID:         "run-1",
		Logger:        log.NewEntry(logger),
	}
	return h
}

func runConfig(epochs, batch, valFrequency int, mode string) config.RunConfig {
	cfg := config.RunConfig{
		WorkingDir: ".",
		Epochs:     epochs,
		BatchSize:  batch,
		Init: config.InitConfig{
			LearningRate:     schedule.Config{Value: 0.01},
			Model:            model.Baseline,
			ValFrequency:     valFrequency,
			Mode:             mode,
			TrainDatasetPath: "train.json",
			TestDatasetPath:  "test.json",
		},
	}
	if mode == config.ModeContinue {
		cfg.Init.Pretrained = "exp"
	}
	return cfg
}

func TestProgressArithmetic(t *testing.T) {
	assert.Equal(t, int64(3), BatchesPerEpoch(5, 2))
	assert.Equal(t, int64(2), BatchesPerEpoch(4, 2))
	assert.Equal(t, int64(0), BatchesPerEpoch(0, 2))
	assert.Equal(t, int64(0), BatchesPerEpoch(5, 0))

	assert.Equal(t, int64(2), TrainedEpochs(7, 0, 3))
	assert.Equal(t, int64(0), TrainedEpochs(0, 0, 3))
	assert.Equal(t, int64(-1), TrainedEpochs(0, 2, 3), "floor division towards negative infinity")

	first, end := BatchRange(0, 2, 3)
	assert.Equal(t, int64(3), first)
	assert.Equal(t, int64(9), end)
	first, end = BatchRange(2, 0, 3)
	assert.Equal(t, first, end)

	assert.True(t, ShouldValidate(3, 0, 3))
	assert.False(t, ShouldValidate(4, 0, 3))
	assert.True(t, ShouldValidate(10, 7, 3))
	assert.True(t, ShouldValidate(1, 4, 3), "negative differences use floor modulo")

	assert.Equal(t, []int64{4, 5, 6}, []int64{ValidationStep(6, 3, 1), ValidationStep(6, 3, 2), ValidationStep(6, 3, 3)})
}

func TestRun_FreshStart(t *testing.T) {
	h := newHarness(5)
	sum, err := Run(context.Background(), runConfig(2, 2, 3, config.ModeStart), h.deps)
	require.NoError(t, err)

	assert.Equal(t, int64(3), sum.BatchesPerEpoch)
	assert.Equal(t, int64(3), sum.FirstBatch)
	assert.Equal(t, int64(9), sum.EndBatch)
	assert.Equal(t, 6, sum.Steps)
	assert.Equal(t, 2, sum.Validations)
	assert.Equal(t, int64(6), sum.FinalStep)
	assert.Equal(t, []string{"save-5", "save-8", "final-8"}, sum.Checkpoints)
	assert.Equal(t, sum.Checkpoints, h.ckpt.saves)

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, h.trainRec.steps)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, h.testRec.steps)
	assert.Equal(t, 6, h.train.resets, "train source is re-initialized before every batch")
	assert.Equal(t, 2, h.test.resets, "test source is reset once per validation pass")
	assert.Equal(t, 6, h.graph.evals)
	assert.Empty(t, h.trainRec.resumed)

	// 1 hyperparameter snapshot at startup and 1 per validation.
	require.Len(t, h.ckpt.hyper, 3)
	assert.Equal(t, "run-1", h.ckpt.hyper[0].RunID)
	assert.Equal(t, 6, h.sink.tags["train/lr"])
	assert.Equal(t, 6, h.sink.tags["test/mae"])
	assert.Zero(t, h.sink.tags["test/lr"])
	assert.Equal(t, "training finished", h.hook.LastEntry().Message)
}

func TestRun_ValidationNumbering(t *testing.T) {
	h := newHarness(5)
	_, err := Run(context.Background(), runConfig(2, 2, 3, config.ModeStart), h.deps)
	require.NoError(t, err)

	// Interleaved writes: train 1..3, test 1..3, train 4..6, test 4..6.
	assert.Equal(t, []int64{1, 2, 3, 1, 2, 3, 4, 5, 6, 4, 5, 6}, h.sink.steps)
}

func TestRun_Continue(t *testing.T) {
	h := newHarness(5)
	h.ckpt.restoreStep = 7
	sum, err := Run(context.Background(), runConfig(1, 2, 3, config.ModeContinue), h.deps)
	require.NoError(t, err)

	assert.Equal(t, []string{"exp"}, h.ckpt.restored)
	assert.Equal(t, int64(7), sum.TrainedSteps)
	assert.Equal(t, int64(2), sum.TrainedEpochs)
	assert.Equal(t, int64(9), sum.FirstBatch)
	assert.Equal(t, int64(12), sum.EndBatch)
	assert.False(t, h.graph.stepReset)
	assert.Equal(t, []int64{7}, h.trainRec.resumed)
	assert.Equal(t, []int64{7}, h.testRec.resumed)

	assert.Equal(t, []int64{8, 9, 10}, h.trainRec.steps)
	assert.Equal(t, []int64{8, 9, 10}, h.testRec.steps)
	assert.Equal(t, []string{"save-11", "final-11"}, sum.Checkpoints)
}

func TestRun_ContinueWithStepOffset(t *testing.T) {
	h := newHarness(5)
	h.ckpt.restoreStep = 7
	h.graph.offset = 3
	sum, err := Run(context.Background(), runConfig(1, 2, 3, config.ModeContinue), h.deps)
	require.NoError(t, err)

	// floor((7-3)/3) = 1 trained epoch.
	assert.Equal(t, int64(1), sum.TrainedEpochs)
	assert.Equal(t, int64(6), sum.FirstBatch)
	assert.Equal(t, int64(9), sum.EndBatch)
	assert.Equal(t, []int64{8, 9, 10}, h.trainRec.steps)
	assert.Equal(t, []int64{8, 9, 10}, h.testRec.steps)
	assert.Equal(t, []string{"save-8", "final-8"}, sum.Checkpoints)
}

func TestRun_StartModeResetsStep(t *testing.T) {
	h := newHarness(5)
	h.ckpt.restoreStep = 7
	cfg := runConfig(1, 2, 3, config.ModeStart)
	cfg.Init.Pretrained = "pretrained"
	sum, err := Run(context.Background(), cfg, h.deps)
	require.NoError(t, err)

	assert.True(t, h.graph.stepReset)
	assert.Equal(t, int64(0), sum.TrainedSteps)
	assert.Equal(t, int64(2), sum.TrainedEpochs, "epochs are derived before the reset")
	assert.Equal(t, int64(9), sum.FirstBatch)
	assert.Equal(t, []int64{1, 2, 3}, h.trainRec.steps)
	assert.Equal(t, []string{"save-11", "final-11"}, sum.Checkpoints)
	assert.Empty(t, h.trainRec.resumed)

	var reset bool
	for _, e := range h.hook.AllEntries() {
		reset = reset || e.Message == "global step turned to zero"
	}
	assert.True(t, reset)
}

func TestRun_ZeroEpochs(t *testing.T) {
	h := newHarness(5)
	sum, err := Run(context.Background(), runConfig(0, 2, 3, config.ModeStart), h.deps)
	require.NoError(t, err)

	assert.Zero(t, sum.Steps)
	assert.Zero(t, h.graph.trains)
	assert.Empty(t, h.ckpt.saves)
	assert.Len(t, h.ckpt.hyper, 1)
}

func TestRun_Interrupted(t *testing.T) {
	h := newHarness(20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.graph.onTrain = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	sum, err := Run(ctx, runConfig(1, 2, 10, config.ModeStart), h.deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, 2, sum.Steps)
	assert.Equal(t, []string{"final-11"}, h.ckpt.saves, "last batch index is 10+1")
}

func TestRun_InterruptedBeforeFirstBatch(t *testing.T) {
	h := newHarness(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, runConfig(1, 2, 3, config.ModeStart), h.deps)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, h.ckpt.saves)
}

func TestRun_PhaseErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		mutate func(h *harness, cfg *config.RunConfig)
		phase  Phase
		step   int64
	}{
		{
			name:   "empty train set",
			mutate: func(h *harness, _ *config.RunConfig) { h.train.size = 0 },
			phase:  PhaseSetup,
		},
		{
			name:   "invalid config",
			mutate: func(_ *harness, cfg *config.RunConfig) { cfg.Init.ValFrequency = 0 },
			phase:  PhaseSetup,
		},
		{
			name:   "restore",
			mutate: func(h *harness, _ *config.RunConfig) { h.ckpt.restoreErr = boom },
			phase:  PhaseRestore,
		},
		{
			name:   "train step",
			mutate: func(h *harness, _ *config.RunConfig) { h.graph.trainErr = boom },
			phase:  PhaseTrainStep,
		},
		{
			name:   "scalar sink",
			mutate: func(h *harness, _ *config.RunConfig) { h.sink.err = boom },
			phase:  PhaseMetricsWrite,
			step:   1,
		},
		{
			name:   "evaluation",
			mutate: func(h *harness, _ *config.RunConfig) { h.graph.evalErr = boom },
			phase:  PhaseValidationStep,
			step:   1,
		},
		{
			name:   "test batch fetch",
			mutate: func(h *harness, _ *config.RunConfig) { h.test.nextErr = boom },
			phase:  PhaseValidationStep,
			step:   1,
		},
		{
			name:   "train batch fetch",
			mutate: func(h *harness, _ *config.RunConfig) { h.train.nextErr = boom },
			phase:  PhaseTrainStep,
		},
		{
			name:   "checkpoint",
			mutate: func(h *harness, _ *config.RunConfig) { h.ckpt.saveErr = boom },
			phase:  PhaseCheckpointSave,
			step:   3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(5)
			cfg := runConfig(1, 2, 3, config.ModeStart)
			tt.mutate(h, &cfg)

			_, err := Run(context.Background(), cfg, h.deps)
			var pe *PhaseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.phase, pe.Phase)
			assert.Equal(t, tt.step, pe.Step)
		})
	}
}

func TestRun_MissingDeps(t *testing.T) {
	h := newHarness(5)
	h.deps.Scalars = nil
	_, err := Run(context.Background(), runConfig(1, 2, 3, config.ModeStart), h.deps)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseSetup, pe.Phase)
	assert.ErrorContains(t, err, "scalar sink")
}
