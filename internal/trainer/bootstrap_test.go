package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agegender/agetrain/internal/checkpoint"
	"github.com/agegender/agetrain/internal/config"
	"github.com/agegender/agetrain/internal/events"
	"github.com/agegender/agetrain/internal/metrics"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, path string, n int) {
	t.Helper()
	var entries []string
	for i := range n {
		entries = append(entries, fmt.Sprintf(`{"file": "img/%d.jpg", "age": %d, "gender": %d}`, i, 20+i, i%2))
	}
	require.NoError(t, os.WriteFile(path, []byte("["+strings.Join(entries, ",")+"]"), 0o600))
}

func countScalarRecords(t *testing.T, logs string) int {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(logs, "events.out.tfevents.*"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	var n int
	for _, f := range files {
		records, err := events.ReadScalars(f)
		require.NoError(t, err)
		for _, r := range records {
			if len(r.Scalars) > 0 {
				n++
			}
		}
	}
	return n
}

func TestBootstrap_StartThenContinue(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "train.json"), 5)
	writeManifest(t, filepath.Join(dir, "test.json"), 4)

	logger, _ := test.NewNullLogger()
	when := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	opts := Options{
		Logger:      log.NewEntry(logger),
		Now:         func() time.Time { return when },
		RunID:       "r1",
		SkipDevices: true,
	}

	cfg := runConfig(1, 2, 3, config.ModeStart)
	cfg.WorkingDir = dir
	cfg.Init.TrainDatasetPath = filepath.Join(dir, "train.json")
	cfg.Init.TestDatasetPath = filepath.Join(dir, "test.json")

	deps, err := Bootstrap(cfg, opts)
	require.NoError(t, err)
	folder := filepath.Join(dir, "experiments", "2026_10_19_09_30")
	assert.Equal(t, folder, deps.Folder)

	sum, err := Run(context.Background(), cfg, deps)
	require.NoError(t, err)
	require.NoError(t, deps.Close())
	assert.Equal(t, 3, sum.Steps)
	assert.Equal(t, int64(3), sum.FinalStep)

	infos, err := checkpoint.List(folder)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "model.ckpt-5", infos[0].Name)
	assert.FileExists(t, filepath.Join(folder, checkpoint.HyperparametersFile))

	snaps, err := metrics.ReadSnapshots(filepath.Join(folder, "train_metrics.json"))
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	assert.Equal(t, 6, countScalarRecords(t, filepath.Join(folder, LogsDir)))

	// Continue from the experiment folder for one more epoch.
	cfg.Init.Mode = config.ModeContinue
	cfg.Init.Pretrained = folder
	when = when.Add(time.Minute)
	deps, err = Bootstrap(cfg, opts)
	require.NoError(t, err)
	assert.Equal(t, folder, deps.Folder)

	sum, err = Run(context.Background(), cfg, deps)
	require.NoError(t, err)
	require.NoError(t, deps.Close())
	assert.Equal(t, int64(3), sum.TrainedSteps)
	assert.Equal(t, int64(1), sum.TrainedEpochs)
	assert.Equal(t, int64(6), sum.FirstBatch)
	assert.Equal(t, int64(6), sum.FinalStep)
	assert.Equal(t, 1, sum.Validations)

	latest, err := checkpoint.Latest(folder)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(folder, "model.ckpt-8"), latest)

	snaps, err = metrics.ReadSnapshots(filepath.Join(folder, "train_metrics.json"))
	require.NoError(t, err)
	require.Len(t, snaps, 6)
	assert.Equal(t, int64(6), snaps[5].Batch)
}

func TestBootstrap_Errors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "train.json"), 5)
	logger, _ := test.NewNullLogger()
	opts := Options{Logger: log.NewEntry(logger), SkipDevices: true}

	cfg := runConfig(1, 2, 3, config.ModeStart)
	cfg.WorkingDir = dir
	cfg.Init.TrainDatasetPath = filepath.Join(dir, "train.json")
	cfg.Init.TestDatasetPath = filepath.Join(dir, "absent.json")
	_, err := Bootstrap(cfg, opts)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseSetup, pe.Phase)
	assert.ErrorContains(t, err, "test dataset")

	cfg.Init.TestDatasetPath = cfg.Init.TrainDatasetPath
	cfg.Init.Model = "resnet_9000"
	_, err = Bootstrap(cfg, opts)
	assert.ErrorContains(t, err, "resnet_9000")
}

func TestBootstrap_ContinueWithoutCheckpointCreatesNothing(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "train.json"), 5)
	logger, _ := test.NewNullLogger()
	opts := Options{Logger: log.NewEntry(logger), SkipDevices: true}

	cfg := runConfig(1, 2, 3, config.ModeContinue)
	cfg.WorkingDir = dir
	cfg.Init.TrainDatasetPath = filepath.Join(dir, "train.json")
	cfg.Init.TestDatasetPath = cfg.Init.TrainDatasetPath

	// A mistyped checkpoint file inside a folder that does not exist yet.
	cfg.Init.Pretrained = filepath.Join(dir, "experiments", "2026_10_19_09_30", "model.ckpt-5")
	_, err := Bootstrap(cfg, opts)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseRestore, pe.Phase)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(dir, "experiments"))

	// An existing folder without checkpoints gets no logs directory.
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o750))
	cfg.Init.Pretrained = empty
	_, err = Bootstrap(cfg, opts)
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
	assert.NoDirExists(t, filepath.Join(empty, LogsDir))
}
