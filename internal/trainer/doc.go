// Package trainer orchestrates a training run: it restores the model,
// derives how many epochs are already trained, then alternates training
// steps with periodic validation passes, writing windowed metrics, scalar
// events and checkpoints as it goes.
//
// Bootstrap builds every collaborator from a config.RunConfig:
//
//	deps, err := trainer.Bootstrap(cfg, trainer.Options{Logger: entry})
//	if err != nil {
//	    return err
//	}
//	defer deps.Close()
//	summary, err := trainer.Run(ctx, cfg, deps)
//
// Batch indices and step numbers follow the progress helpers:
// with B batches per epoch and E trained epochs, a run of N epochs covers
// batch indices [(1+E)B, (1+E+N)B). Every failure is a *PhaseError naming
// the phase and global step; cancellation yields ErrInterrupted after a
// final checkpoint.
package trainer
