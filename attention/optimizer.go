package attention

import (
	"fmt"
	"math"
)

// Optimizer updates model parameters from accumulated gradients. Step applies
// weight decay and global-norm clipping before the update rule.
type Optimizer interface {
	Step()
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
}

// OptimizerConfig carries the update-rule settings shared by both rules.
type OptimizerConfig struct {
	LearningRate float64
	WeightDecay  float64 // L2, folded into gradients before clipping
	ClipNorm     float64 // global gradient norm cap; <= 0 disables
	Beta1        float64 // Adam; default 0.9
	Beta2        float64 // Adam; default 0.999
	Epsilon      float64 // Adam; default 1e-8
}

// NewOptimizer builds the named update rule ("adam" or "sgd") over the
// model's parameters.
func NewOptimizer(m *Model, name string, cfg OptimizerConfig) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	params := m.flatParams()
	switch name {
	case "adam":
		if cfg.Beta1 == 0 {
			cfg.Beta1 = 0.9
		}
		if cfg.Beta2 == 0 {
			cfg.Beta2 = 0.999
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		return &adam{
			params: params,
			cfg:    cfg,
			m:      make([]float64, len(params)),
			v:      make([]float64, len(params)),
		}, nil
	case "sgd":
		return &sgd{params: params, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// prepGrads folds L2 weight decay into the gradients, then rescales them if
// the global norm exceeds the clip threshold.
func prepGrads(params []*node, weightDecay, clipNorm float64) {
	if weightDecay > 0 {
		for _, p := range params {
			p.grad += weightDecay * p.data
		}
	}
	if clipNorm <= 0 {
		return
	}
	total := 0.0
	for _, p := range params {
		total += p.grad * p.grad
	}
	norm := math.Sqrt(total)
	if norm > clipNorm {
		scale := clipNorm / norm
		for _, p := range params {
			p.grad *= scale
		}
	}
}

type adam struct {
	params []*node
	cfg    OptimizerConfig
	m, v   []float64
	t      int
}

func (a *adam) Step() {
	prepGrads(a.params, a.cfg.WeightDecay, a.cfg.ClipNorm)
	a.t++
	b1c := 1 - math.Pow(a.cfg.Beta1, float64(a.t))
	b2c := 1 - math.Pow(a.cfg.Beta2, float64(a.t))
	for i, p := range a.params {
		a.m[i] = a.cfg.Beta1*a.m[i] + (1-a.cfg.Beta1)*p.grad
		a.v[i] = a.cfg.Beta2*a.v[i] + (1-a.cfg.Beta2)*p.grad*p.grad
		mHat := a.m[i] / b1c
		vHat := a.v[i] / b2c
		p.data -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
	}
}

func (a *adam) ZeroGrad() {
	for _, p := range a.params {
		p.grad = 0
	}
}

func (a *adam) LearningRate() float64      { return a.cfg.LearningRate }
func (a *adam) SetLearningRate(lr float64) { a.cfg.LearningRate = lr }

type sgd struct {
	params []*node
	cfg    OptimizerConfig
}

func (s *sgd) Step() {
	prepGrads(s.params, s.cfg.WeightDecay, s.cfg.ClipNorm)
	for _, p := range s.params {
		p.data -= s.cfg.LearningRate * p.grad
	}
}

func (s *sgd) ZeroGrad() {
	for _, p := range s.params {
		p.grad = 0
	}
}

func (s *sgd) LearningRate() float64      { return s.cfg.LearningRate }
func (s *sgd) SetLearningRate(lr float64) { s.cfg.LearningRate = lr }
