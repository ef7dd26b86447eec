package trainer

import (
	"fmt"

	"github.com/attnlab/hiertrain/corpus"
)

// Model is the slice of the network a training step needs.
type Model interface {
	ComputeGradients(b *corpus.Batch) (float64, error)
}

// Optimizer is the slice of the parameter optimizer a training step needs.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// Step runs one optimization step on batch b: clear the gradients, run the
// forward and backward passes, then apply the update. The optimizer is not
// stepped if the gradient computation fails.
func Step(m Model, opt Optimizer, b *corpus.Batch) (float64, error) {
	opt.ZeroGrad()
	loss, err := m.ComputeGradients(b)
	if err != nil {
		return 0, fmt.Errorf("compute gradients: %w", err)
	}
	opt.Step()
	return loss, nil
}
