package model

import (
	"encoding/json"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiln-project/kiln/pkg/tensor"
)

const (
	// AdapterConfigFileName and AdapterWeightsFileName follow the PEFT
	// on-disk layout so exported adapters load elsewhere.
	AdapterConfigFileName  = "adapter_config.json"
	AdapterWeightsFileName = "adapter_model.safetensors"

	// TargetAllLinear selects every attention and MLP projection,
	// excluding embeddings and the output head.
	TargetAllLinear = "all-linear"
)

// AdapterConfig configures low-rank adapters.
type AdapterConfig struct {
	Rank          int      `json:"r" mapstructure:"rank" validate:"gt=0"`
	Alpha         float64  `json:"lora_alpha" mapstructure:"alpha" validate:"gt=0"`
	TargetModules []string `json:"target_modules" mapstructure:"target_modules"`
	BaseModel     string   `json:"base_model_name_or_path,omitempty" mapstructure:"-"`
	PeftType      string   `json:"peft_type" mapstructure:"-"`
	TaskType      string   `json:"task_type" mapstructure:"-"`
}

// DefaultAdapterConfig returns rank-16 adapters over all linear projections.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Rank:          16,
		Alpha:         32,
		TargetModules: []string{TargetAllLinear},
	}
}

// Adapter is one low-rank delta: y += (alpha/r) * B @ (A @ x), with A drawn
// random-normal and B zero so the initial delta is exactly zero.
type Adapter struct {
	A     *tensor.Param // (r, in)
	B     *tensor.Param // (out, r)
	scale float64
}

func newAdapter(out, in int, cfg AdapterConfig, rng *rand.Rand) *Adapter {
	std := 1.0 / math.Sqrt(float64(in))
	return &Adapter{
		A:     tensor.NewParam(cfg.Rank, in, std, rng),
		B:     tensor.NewParamZero(out, cfg.Rank),
		scale: cfg.Alpha / float64(cfg.Rank),
	}
}

func (a *Adapter) forward(x *tensor.Vec) *tensor.Vec {
	return a.B.Matvec(a.A.Matvec(x)).Scale(a.scale)
}

// AttachAdapters creates adapters on every linear matching the target module
// selectors. The base weights are untouched; adapters start as a zero delta.
func (m *Model) AttachAdapters(cfg AdapterConfig, rng *rand.Rand) error {
	if cfg.Rank <= 0 {
		return errors.New("adapter rank must be positive")
	}
	if cfg.Alpha <= 0 {
		return errors.New("adapter alpha must be positive")
	}
	names := m.matchTargets(cfg.TargetModules)
	if len(names) == 0 {
		return errors.Errorf("no linear layers match target modules %v", cfg.TargetModules)
	}
	for _, name := range names {
		l := m.linears[name]
		l.adapter = newAdapter(l.weight.Out, l.weight.In, cfg, rng)
	}
	return nil
}

func (m *Model) matchTargets(targets []string) []string {
	matched := make([]string, 0, len(m.linears))
	for _, name := range m.LinearNames() {
		if name == "lm_head" {
			continue
		}
		if matchesTarget(name, targets) {
			matched = append(matched, name)
		}
	}
	return matched
}

func matchesTarget(name string, targets []string) bool {
	for _, t := range targets {
		if t == TargetAllLinear {
			return true
		}
		if strings.HasSuffix(name, t) {
			return true
		}
	}
	return false
}

// AdapterParams returns all adapter weight vectors in deterministic order,
// for the optimizer. Base model parameters are never included.
func (m *Model) AdapterParams() []*tensor.Vec {
	var params []*tensor.Vec
	for _, name := range m.LinearNames() {
		a := m.linears[name].adapter
		if a == nil {
			continue
		}
		params = append(params, a.A.Params()...)
		params = append(params, a.B.Params()...)
	}
	return params
}

// HasAdapters reports whether any linear carries an adapter.
func (m *Model) HasAdapters() bool {
	for _, l := range m.linears {
		if l.adapter != nil {
			return true
		}
	}
	return false
}

// MergeAdapters folds every adapter delta into its base weight
// (W += scale * B @ A) and detaches the adapters.
func (m *Model) MergeAdapters() {
	for _, l := range m.linears {
		a := l.adapter
		if a == nil {
			continue
		}
		for i := 0; i < l.weight.Out; i++ {
			row := l.weight.Rows[i].Data
			for r := 0; r < a.A.Out; r++ {
				coef := a.scale * a.B.Rows[i].Data[r]
				if coef == 0 {
					continue
				}
				aRow := a.A.Rows[r].Data
				for j := range row {
					row[j] += coef * aRow[j]
				}
			}
		}
		l.adapter = nil
	}
}

// SaveAdapters writes adapter weights and config in PEFT layout.
func (m *Model) SaveAdapters(fs afero.Fs, dir string, cfg AdapterConfig) error {
	if !m.HasAdapters() {
		return errors.New("model has no adapters to save")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating adapter directory %s", dir)
	}

	tensors := make(map[string]*Tensor)
	for _, name := range m.LinearNames() {
		a := m.linears[name].adapter
		if a == nil {
			continue
		}
		tensors[adapterTensorName(name, "lora_A")] = paramToTensor(a.A, false)
		tensors[adapterTensorName(name, "lora_B")] = paramToTensor(a.B, false)
	}
	if err := SaveSafetensors(fs, filepath.Join(dir, AdapterWeightsFileName), tensors, map[string]string{"format": "pt"}); err != nil {
		return err
	}

	cfg.PeftType = "LORA"
	cfg.TaskType = "CAUSAL_LM"
	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding adapter config")
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, AdapterConfigFileName), cfgJSON, 0o644); err != nil {
		return errors.Wrap(err, "writing adapter config")
	}
	return nil
}

// LoadAdapters reads a PEFT adapter directory into the model, attaching
// adapters first if none are present.
func (m *Model) LoadAdapters(fs afero.Fs, dir string, rng *rand.Rand) (AdapterConfig, error) {
	cfgData, err := afero.ReadFile(fs, filepath.Join(dir, AdapterConfigFileName))
	if err != nil {
		return AdapterConfig{}, errors.Wrapf(err, "reading adapter config in %s", dir)
	}
	var cfg AdapterConfig
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		return AdapterConfig{}, errors.Wrap(err, "parsing adapter config")
	}

	if !m.HasAdapters() {
		if err := m.AttachAdapters(cfg, rng); err != nil {
			return AdapterConfig{}, err
		}
	}

	tensors, err := LoadSafetensors(fs, filepath.Join(dir, AdapterWeightsFileName))
	if err != nil {
		return AdapterConfig{}, err
	}
	for _, name := range m.LinearNames() {
		a := m.linears[name].adapter
		if a == nil {
			continue
		}
		if err := copyIntoParam(a.A, tensors, adapterTensorName(name, "lora_A")); err != nil {
			return AdapterConfig{}, err
		}
		if err := copyIntoParam(a.B, tensors, adapterTensorName(name, "lora_B")); err != nil {
			return AdapterConfig{}, err
		}
	}
	return cfg, nil
}

func adapterTensorName(linearName, side string) string {
	return "base_model.model." + linearName + "." + side + ".weight"
}

func copyIntoParam(p *tensor.Param, tensors map[string]*Tensor, name string) error {
	t, ok := tensors[name]
	if !ok {
		return errors.Errorf("adapter checkpoint missing tensor %q", name)
	}
	if t.NumElements() != p.Out*p.In {
		return errors.Errorf("adapter tensor %q has %d elements, want %d", name, t.NumElements(), p.Out*p.In)
	}
	for i := 0; i < p.Out; i++ {
		copy(p.Rows[i].Data, t.Data[i*p.In:(i+1)*p.In])
	}
	return nil
}

// sortedAdapterNames is kept for deterministic iteration in tests.
func (m *Model) adapterNames() []string {
	var names []string
	for name, l := range m.linears {
		if l.adapter != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
