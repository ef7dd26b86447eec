package attention

import (
	"math"
	"testing"

	"github.com/attnlab/hiertrain/corpus"
)

func tinyConfig(nested bool) Config {
	return Config{
		NumClasses:    3,
		NumClassesSub: 3,
		InputDim:      3,
		EmbeddingDim:  4,
		EncNumUnits:   6,
		DecNumUnits:   6,
		AttDim:        4,
		Nested:        nested,
		Seed:          7,
	}
}

// tinyBatch builds a two-utterance batch by hand, without a corpus on disk.
func tinyBatch() *corpus.Batch {
	b := &corpus.Batch{
		B: 2, T: 4, F: 3,
		InputLens: []int{3, 4},
		Words:     [][]int{{0}, {1, 0}},
		Chars:     [][]int{{0, 1}, {1}},
		Names:     []string{"u1", "u2"},
		Speakers:  []string{"s1", "s2"},
	}
	b.Inputs = make([]float32, b.B*b.T*b.F)
	for i := 0; i < b.B; i++ {
		for t := 0; t < b.InputLens[i]; t++ {
			frame := b.Frame(i, t)
			for f := range frame {
				frame[f] = float32(i+1) * float32(t+1) * 0.1 * float32(f+1)
			}
		}
	}
	return b
}

func newTestModel(t *testing.T, nested bool) *Model {
	t.Helper()
	m, err := New(tinyConfig(nested))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func TestNewValidatesConfig(t *testing.T) {
	bad := []Config{
		{NumClasses: 0, NumClassesSub: 3, InputDim: 3},
		{NumClasses: 3, NumClassesSub: 0, InputDim: 3},
		{NumClasses: 3, NumClassesSub: 3, InputDim: 0},
		{NumClasses: 3, NumClassesSub: 3, InputDim: 3, MainLossWeight: 1.5},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	m := newTestModel(t, true)
	opt, err := NewOptimizer(m, "adam", OptimizerConfig{LearningRate: 0.01, ClipNorm: 5})
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	b := tinyBatch()

	initial, err := m.Loss(b)
	if err != nil {
		t.Fatalf("initial loss: %v", err)
	}
	for step := 0; step < 40; step++ {
		opt.ZeroGrad()
		if _, err := m.ComputeGradients(b); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		opt.Step()
	}
	final, err := m.Loss(b)
	if err != nil {
		t.Fatalf("final loss: %v", err)
	}
	t.Logf("loss %0.4f -> %0.4f after 40 steps", initial, final)
	if final >= initial {
		t.Errorf("loss did not decrease: %g -> %g", initial, final)
	}
}

func TestComputeGradientsRequiresTrainingMode(t *testing.T) {
	m := newTestModel(t, false)
	m.SetTraining(false)
	if _, err := m.ComputeGradients(tinyBatch()); err == nil {
		t.Fatal("expected error in evaluation mode")
	}
	// Loss still works in evaluation mode
	if _, err := m.Loss(tinyBatch()); err != nil {
		t.Fatalf("eval-mode loss: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestModel(t, true)
	b := tinyBatch()
	before, err := m.Loss(b)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}

	clone := m.Clone()
	opt, err := NewOptimizer(m, "sgd", OptimizerConfig{LearningRate: 0.1})
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	for i := 0; i < 5; i++ {
		opt.ZeroGrad()
		if _, err := m.ComputeGradients(b); err != nil {
			t.Fatalf("train: %v", err)
		}
		opt.Step()
	}

	cloneLoss, err := clone.Loss(b)
	if err != nil {
		t.Fatalf("clone loss: %v", err)
	}
	if math.Abs(cloneLoss-before) > 1e-12 {
		t.Errorf("training the original changed the clone: %g vs %g", cloneLoss, before)
	}
	trained, err := m.Loss(b)
	if err != nil {
		t.Fatalf("trained loss: %v", err)
	}
	if trained == before {
		t.Error("training did not change the original")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestModel(t, true)
	b := tinyBatch()
	want, err := m.Loss(b)
	if err != nil {
		t.Fatalf("loss: %v", err)
	}

	if _, err := m.SaveCheckpoint(dir, 1); err != nil {
		t.Fatalf("save epoch 1: %v", err)
	}
	path, err := m.SaveCheckpoint(dir, 3)
	if err != nil {
		t.Fatalf("save epoch 3: %v", err)
	}
	t.Logf("checkpoint at %s", path)

	cfg := tinyConfig(true)
	cfg.Seed = 99 // different init, must be overwritten by the load
	restored, err := New(cfg)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	epoch, err := restored.LoadCheckpoint(dir, -1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if epoch != 3 {
		t.Errorf("loaded epoch = %d, want 3 (the newest)", epoch)
	}
	got, err := restored.Loss(b)
	if err != nil {
		t.Fatalf("restored loss: %v", err)
	}
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("restored loss = %g, want %g", got, want)
	}
}

func TestLoadCheckpointShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	m := newTestModel(t, true)
	if _, err := m.SaveCheckpoint(dir, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg := tinyConfig(true)
	cfg.EncNumUnits = 8
	other, err := New(cfg)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	if _, err := other.LoadCheckpoint(dir, 1); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestLatestEpochEmptyDir(t *testing.T) {
	if _, err := LatestEpoch(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestAttentionWeightsShapes(t *testing.T) {
	m := newTestModel(t, true)
	m.SetTraining(false)
	b := tinyBatch()
	res, err := m.AttentionWeights(b, 10, 20)
	if err != nil {
		t.Fatalf("attention weights: %v", err)
	}
	for i := 0; i < b.B; i++ {
		r, c := res.AW[i].Dims()
		if c != b.InputLens[i] {
			t.Errorf("utt %d: AW cols = %d, want input len %d", i, c, b.InputLens[i])
		}
		wantRows := len(res.Words[i])
		if wantRows == 0 {
			wantRows = 1 // placeholder row for empty hypotheses
		}
		if r != wantRows {
			t.Errorf("utt %d: AW rows = %d, want %d", i, r, wantRows)
		}
		// every real attention row is a distribution
		for row := 0; row < len(res.Words[i]); row++ {
			total := 0.0
			for col := 0; col < c; col++ {
				total += res.AW[i].At(row, col)
			}
			if math.Abs(total-1) > 1e-6 {
				t.Errorf("utt %d row %d: attention sums to %g", i, row, total)
			}
		}
		if len(res.Gates[i]) != len(res.Words[i]) {
			t.Errorf("utt %d: %d gates for %d words", i, len(res.Gates[i]), len(res.Words[i]))
		}
		for _, g := range res.Gates[i] {
			if g < 0 || g > 1 {
				t.Errorf("utt %d: gate %g outside [0, 1]", i, g)
			}
		}
		if len(res.Words[i]) > 10 {
			t.Errorf("utt %d: %d words exceed the cap", i, len(res.Words[i]))
		}
		if len(res.Chars[i]) > 20 {
			t.Errorf("utt %d: %d chars exceed the cap", i, len(res.Chars[i]))
		}
	}
}

func TestHierarchicalModelHasNoNestedOutputs(t *testing.T) {
	m := newTestModel(t, false)
	res, err := m.AttentionWeights(tinyBatch(), 5, 5)
	if err != nil {
		t.Fatalf("attention weights: %v", err)
	}
	if res.AWDec != nil || res.Gates != nil {
		t.Error("hierarchical model must not emit nested attention or gates")
	}
}

func TestWeightNoiseRestoresParameters(t *testing.T) {
	cfg := tinyConfig(false)
	cfg.WeightNoiseStd = 0.05
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	m.EnableWeightNoise()
	before := m.Params()
	if _, err := m.ComputeGradients(tinyBatch()); err != nil {
		t.Fatalf("compute gradients: %v", err)
	}
	after := m.Params()
	for name, vals := range before {
		for i, v := range vals {
			if after[name][i] != v {
				t.Fatalf("parameter %s[%d] changed by noise injection: %g -> %g", name, i, v, after[name][i])
			}
		}
	}
	anyGrad := false
	for _, g := range m.Grads() {
		for _, v := range g {
			if v != 0 {
				anyGrad = true
			}
		}
	}
	if !anyGrad {
		t.Error("expected nonzero gradients after backward")
	}
}

func TestParamCounts(t *testing.T) {
	m := newTestModel(t, true)
	modules, counts := m.ParamCounts()
	total := 0
	for _, mod := range modules {
		if counts[mod] <= 0 {
			t.Errorf("module %s has %d params", mod, counts[mod])
		}
		total += counts[mod]
	}
	if total != m.NumParams() {
		t.Errorf("module counts sum to %d, NumParams = %d", total, m.NumParams())
	}
	want := map[string]bool{"enc": true, "wdec": true, "cdec": true}
	for _, mod := range modules {
		if !want[mod] {
			t.Errorf("unexpected module %q", mod)
		}
		delete(want, mod)
	}
	if len(want) != 0 {
		t.Errorf("missing modules: %v", want)
	}
}

func TestPrepGrads(t *testing.T) {
	a, b := lit(2), lit(0)
	a.grad, b.grad = 3, 4
	prepGrads([]*node{a, b}, 0, 1)
	norm := math.Hypot(a.grad, b.grad)
	if math.Abs(norm-1) > 1e-12 {
		t.Errorf("clipped norm = %g, want 1", norm)
	}
	if math.Abs(a.grad-0.6) > 1e-12 || math.Abs(b.grad-0.8) > 1e-12 {
		t.Errorf("clipped grads = %g/%g, want 0.6/0.8", a.grad, b.grad)
	}

	c := lit(2)
	c.grad = 0
	prepGrads([]*node{c}, 0.1, 0)
	if math.Abs(c.grad-0.2) > 1e-12 {
		t.Errorf("weight decay grad = %g, want 0.2", c.grad)
	}
}

func TestNewOptimizerRejectsUnknownRule(t *testing.T) {
	m := newTestModel(t, false)
	if _, err := NewOptimizer(m, "rmsprop", OptimizerConfig{LearningRate: 0.1}); err == nil {
		t.Fatal("expected error for unknown optimizer")
	}
	if _, err := NewOptimizer(m, "adam", OptimizerConfig{}); err == nil {
		t.Fatal("expected error for zero learning rate")
	}
}

func TestSetLearningRate(t *testing.T) {
	m := newTestModel(t, false)
	opt, err := NewOptimizer(m, "adam", OptimizerConfig{LearningRate: 0.01})
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	opt.SetLearningRate(0.005)
	if got := opt.LearningRate(); got != 0.005 {
		t.Errorf("learning rate = %g, want 0.005", got)
	}
}
