// Package config loads and validates training hyperparameters. Files may be
// JSON or YAML; keys are snake_case and missing keys fall back to Default().
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Params holds every tunable of a training run. It is read-only after Load;
// the training driver persists the resolved copy as config.json inside the
// run directory so the visualization driver can rebuild the same model.
type Params struct {
	// model
	ModelType    string `json:"model_type" yaml:"model_type"`
	LabelType    string `json:"label_type" yaml:"label_type"`
	LabelTypeSub string `json:"label_type_sub" yaml:"label_type_sub"`
	EmbeddingDim int    `json:"embedding_dim" yaml:"embedding_dim"`
	EncNumUnits  int    `json:"enc_num_units" yaml:"enc_num_units"`
	DecNumUnits  int    `json:"dec_num_units" yaml:"dec_num_units"`
	AttDim       int    `json:"att_dim" yaml:"att_dim"`

	// data
	DataSavePath string   `json:"data_save_path" yaml:"data_save_path"`
	DataSize     string   `json:"data_size" yaml:"data_size"`
	InputChannel int      `json:"input_channel" yaml:"input_channel"`
	Splice       int      `json:"splice" yaml:"splice"`
	NumStack     int      `json:"num_stack" yaml:"num_stack"`
	NumSkip      int      `json:"num_skip" yaml:"num_skip"`
	EvalSets     []string `json:"eval_sets" yaml:"eval_sets"`

	// optimization
	BatchSize     int     `json:"batch_size" yaml:"batch_size"`
	NumEpoch      int     `json:"num_epoch" yaml:"num_epoch"`
	Optimizer     string  `json:"optimizer" yaml:"optimizer"`
	LearningRate  float64 `json:"learning_rate" yaml:"learning_rate"`
	WeightDecay   float64 `json:"weight_decay" yaml:"weight_decay"`
	ClipGradNorm  float64 `json:"clip_grad_norm" yaml:"clip_grad_norm"`
	SortStopEpoch int     `json:"sort_stop_epoch" yaml:"sort_stop_epoch"`

	// annealing and stopping
	DecayStartEpoch         int     `json:"decay_start_epoch" yaml:"decay_start_epoch"`
	DecayRate               float64 `json:"decay_rate" yaml:"decay_rate"`
	DecayPatientEpoch       int     `json:"decay_patient_epoch" yaml:"decay_patient_epoch"`
	NotImprovedPatientEpoch int     `json:"not_improved_patient_epoch" yaml:"not_improved_patient_epoch"`
	EvalStartEpoch          int     `json:"eval_start_epoch" yaml:"eval_start_epoch"`
	WeightNoiseStd          float64 `json:"weight_noise_std" yaml:"weight_noise_std"`
	MainLossWeight          float64 `json:"main_loss_weight" yaml:"main_loss_weight"`

	// reporting
	PrintStep int   `json:"print_step" yaml:"print_step"`
	Seed      int64 `json:"seed" yaml:"seed"`
}

// Default returns the baseline configuration. Loaded files overlay it, so a
// config file only needs the keys it wants to change.
func Default() Params {
	return Params{
		ModelType:    "nested_attention",
		LabelType:    "word",
		LabelTypeSub: "character",
		EmbeddingDim: 32,
		EncNumUnits:  64,
		DecNumUnits:  64,
		AttDim:       32,

		DataSavePath: "data",
		DataSize:     "300h",
		InputChannel: 40,
		Splice:       0,
		NumStack:     1,
		NumSkip:      1,
		EvalSets:     []string{"eval1"},

		BatchSize:     16,
		NumEpoch:      25,
		Optimizer:     "adam",
		LearningRate:  1e-3,
		WeightDecay:   0,
		ClipGradNorm:  5,
		SortStopEpoch: 3,

		DecayStartEpoch:         5,
		DecayRate:               0.8,
		DecayPatientEpoch:       1,
		NotImprovedPatientEpoch: 5,
		EvalStartEpoch:          1,
		WeightNoiseStd:          0,
		MainLossWeight:          0.8,

		PrintStep: 50,
		Seed:      1,
	}
}

// Load reads a JSON (.json) or YAML (.yml/.yaml) parameter file and overlays
// it on Default. Unknown extensions are an error.
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	p := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q (want .json, .yml or .yaml)", path, ext)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the fields that every driver depends on.
func (p *Params) Validate() error {
	switch p.ModelType {
	case "hierarchical_attention", "nested_attention":
	default:
		return fmt.Errorf("unknown model_type %q", p.ModelType)
	}
	switch p.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", p.Optimizer)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	if p.NumEpoch <= 0 {
		return fmt.Errorf("num_epoch must be positive, got %d", p.NumEpoch)
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", p.LearningRate)
	}
	if p.DecayRate <= 0 || p.DecayRate > 1 {
		return fmt.Errorf("decay_rate must be in (0, 1], got %g", p.DecayRate)
	}
	if p.NumStack < 1 || p.NumSkip < 1 {
		return fmt.Errorf("num_stack and num_skip must be >= 1, got %d/%d", p.NumStack, p.NumSkip)
	}
	if p.Splice < 0 {
		return fmt.Errorf("splice must be >= 0, got %d", p.Splice)
	}
	if p.InputChannel <= 0 {
		return fmt.Errorf("input_channel must be positive, got %d", p.InputChannel)
	}
	if p.MainLossWeight < 0 || p.MainLossWeight > 1 {
		return fmt.Errorf("main_loss_weight must be in [0, 1], got %g", p.MainLossWeight)
	}
	if p.PrintStep <= 0 {
		return fmt.Errorf("print_step must be positive, got %d", p.PrintStep)
	}
	return nil
}

// Save writes the resolved parameters as indented JSON.
func (p *Params) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Name derives the run name from the architecture and optimizer settings,
// so different hyperparameter choices land in different run directories.
func (p *Params) Name() string {
	return fmt.Sprintf("enc%d_dec%d_att%d_emb%d_%s_lr%g_bs%d",
		p.EncNumUnits, p.DecNumUnits, p.AttDim, p.EmbeddingDim,
		p.Optimizer, p.LearningRate, p.BatchSize)
}

// RunDir is the directory for all artifacts of this run:
// <base>/<model_type>/<label_type>/<data_size>/<name>.
func (p *Params) RunDir(base string) string {
	return filepath.Join(base, p.ModelType, p.LabelType, p.DataSize, p.Name())
}

// CorpusDir is the directory holding manifests, vocab files and features for
// the configured data size.
func (p *Params) CorpusDir() string {
	return filepath.Join(p.DataSavePath, p.DataSize)
}
