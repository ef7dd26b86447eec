package trainer

import (
	"errors"
	"reflect"
	"testing"

	"github.com/attnlab/hiertrain/corpus"
)

type recordingModel struct {
	calls *[]string
	loss  float64
	err   error
}

func (m recordingModel) ComputeGradients(b *corpus.Batch) (float64, error) {
	*m.calls = append(*m.calls, "grads")
	return m.loss, m.err
}

type recordingOptimizer struct{ calls *[]string }

func (o recordingOptimizer) ZeroGrad() { *o.calls = append(*o.calls, "zero") }
func (o recordingOptimizer) Step()     { *o.calls = append(*o.calls, "step") }

func TestStepRunsInOrder(t *testing.T) {
	var calls []string
	loss, err := Step(recordingModel{calls: &calls, loss: 2.5}, recordingOptimizer{&calls}, &corpus.Batch{})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if loss != 2.5 {
		t.Errorf("loss = %g, want 2.5", loss)
	}
	want := []string{"zero", "grads", "step"}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("call order = %v, want %v", calls, want)
	}
}

func TestStepSkipsUpdateOnGradientError(t *testing.T) {
	var calls []string
	m := recordingModel{calls: &calls, err: errors.New("bad batch")}
	if _, err := Step(m, recordingOptimizer{&calls}, &corpus.Batch{}); err == nil {
		t.Fatal("expected gradient error")
	}
	for _, c := range calls {
		if c == "step" {
			t.Fatal("optimizer stepped after a failed gradient computation")
		}
	}
}
