// Package model provides the trainable network behind a run: the Model
// capability, the age/gender loss head, the Adam optimizer and a registry
// of architectures.
//
// A Graph binds a Model to the head and a learning-rate schedule:
//
//	m, spec, err := model.New("baseline", seed)
//	if err != nil {
//	    return err
//	}
//	g := model.NewGraph(m, sched)
//	res, err := g.TrainStep(batch) // res.Step is the new global step
//	vals, err := g.EvalStep(testBatch)
//
// Parameters and optimizer state are exchanged with checkpoints as
// serialization.Tensor values; optimizer tensors carry the "optimizer."
// prefix.
package model
