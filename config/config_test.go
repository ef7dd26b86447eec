package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default params should validate: %v", err)
	}
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "params.json", `{
  "model_type": "hierarchical_attention",
  "batch_size": 4,
  "learning_rate": 0.01
}`)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.ModelType != "hierarchical_attention" {
		t.Errorf("model_type = %q, want hierarchical_attention", p.ModelType)
	}
	if p.BatchSize != 4 {
		t.Errorf("batch_size = %d, want 4", p.BatchSize)
	}
	if p.LearningRate != 0.01 {
		t.Errorf("learning_rate = %g, want 0.01", p.LearningRate)
	}
	// untouched keys keep their defaults
	def := Default()
	if p.NumEpoch != def.NumEpoch {
		t.Errorf("num_epoch = %d, want default %d", p.NumEpoch, def.NumEpoch)
	}
	if p.DecayRate != def.DecayRate {
		t.Errorf("decay_rate = %g, want default %g", p.DecayRate, def.DecayRate)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "params.yml", strings.Join([]string{
		"model_type: nested_attention",
		"num_epoch: 3",
		"print_step: 10",
		"eval_sets: [eval1, eval2]",
	}, "\n"))
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.NumEpoch != 3 {
		t.Errorf("num_epoch = %d, want 3", p.NumEpoch)
	}
	if p.PrintStep != 10 {
		t.Errorf("print_step = %d, want 10", p.PrintStep)
	}
	if len(p.EvalSets) != 2 || p.EvalSets[0] != "eval1" || p.EvalSets[1] != "eval2" {
		t.Errorf("eval_sets = %v, want [eval1 eval2]", p.EvalSets)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "params.toml", "model_type = \"nested_attention\"")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad_model.json": `{"model_type": "ctc"}`,
		"bad_batch.json": `{"batch_size": 0}`,
		"bad_decay.json": `{"decay_rate": 1.5}`,
		"bad_stack.json": `{"num_stack": 0}`,
	}
	for name, content := range cases {
		path := writeFile(t, dir, name, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := Default()
	p.BatchSize = 7
	p.EvalSets = []string{"eval1", "eval2"}
	path := filepath.Join(dir, "config.json")
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.BatchSize != 7 {
		t.Errorf("batch_size = %d, want 7", got.BatchSize)
	}
	if len(got.EvalSets) != 2 {
		t.Errorf("eval_sets = %v, want two entries", got.EvalSets)
	}
}

func TestRunDirLayout(t *testing.T) {
	p := Default()
	p.ModelType = "nested_attention"
	p.LabelType = "word"
	p.DataSize = "300h"
	dir := p.RunDir("/tmp/results")
	want := filepath.Join("/tmp/results", "nested_attention", "word", "300h", p.Name())
	if dir != want {
		t.Errorf("RunDir = %q, want %q", dir, want)
	}
	if !strings.Contains(p.Name(), "adam") {
		t.Errorf("Name should carry the optimizer, got %q", p.Name())
	}
}
