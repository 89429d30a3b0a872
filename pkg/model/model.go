package model

import (
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiln-project/kiln/pkg/tensor"
)

// WeightsFileName is the single-file safetensors checkpoint name.
const WeightsFileName = "model.safetensors"

// linear is one projection layer. The weight is stored (out, in) so the
// forward pass is a plain matvec; HF GPT-2 checkpoints store these as Conv1D
// kernels (in, out) and are transposed at load time.
type linear struct {
	name    string
	weight  *tensor.Param
	bias    *tensor.Vec
	adapter *Adapter
}

func (l *linear) forward(x *tensor.Vec) *tensor.Vec {
	y := l.weight.Matvec(x)
	if l.bias != nil {
		y = y.Add(l.bias)
	}
	if l.adapter != nil {
		y = y.Add(l.adapter.forward(x))
	}
	return y
}

type block struct {
	ln1Gain, ln1Bias *tensor.Vec
	attn             *linear // fused qkv, (3d, d)
	attnProj         *linear // (d, d)
	ln2Gain, ln2Bias *tensor.Vec
	mlpFC            *linear // (4d, d)
	mlpProj          *linear // (d, 4d)
}

// Model is a decoder-only GPT-2 style transformer running on the autodiff
// engine. One token per forward step, with a KV cache carrying the sequence.
type Model struct {
	Config *Config

	wte *tensor.Param // token embeddings, (vocab, d)
	wpe *tensor.Param // position embeddings, (nctx, d)

	blocks           []*block
	lnfGain, lnfBias *tensor.Vec

	// lmHead is nil when output embeddings are tied to wte.
	lmHead *linear

	// linears indexes every projection by its checkpoint-style name, for
	// adapter attachment.
	linears map[string]*linear
}

// Cache holds per-layer key and value vectors for the tokens seen so far.
type Cache struct {
	keys   [][]*tensor.Vec
	values [][]*tensor.Vec
}

// NewCache returns an empty KV cache sized for the model's layers.
func (m *Model) NewCache() *Cache {
	return &Cache{
		keys:   make([][]*tensor.Vec, len(m.blocks)),
		values: make([][]*tensor.Vec, len(m.blocks)),
	}
}

// Len returns the number of cached positions.
func (c *Cache) Len() int {
	if len(c.keys) == 0 {
		return 0
	}
	return len(c.keys[0])
}

// Load reads config.json and model.safetensors from a snapshot directory and
// assembles the transformer.
func Load(fs afero.Fs, snapshotDir string) (*Model, error) {
	cfg, err := LoadConfig(fs, snapshotDir)
	if err != nil {
		return nil, err
	}
	tensors, err := LoadSafetensors(fs, filepath.Join(snapshotDir, WeightsFileName))
	if err != nil {
		return nil, err
	}
	return FromTensors(cfg, tensors)
}

// FromTensors assembles a model from an already-loaded tensor map. Checkpoint
// names may carry a "transformer." prefix; Conv1D kernels are transposed to
// (out, in).
func FromTensors(cfg *Config, tensors map[string]*Tensor) (*Model, error) {
	ld := &weightLoader{tensors: normalizeNames(tensors)}

	m := &Model{
		Config:  cfg,
		linears: make(map[string]*linear),
	}

	m.wte = ld.matrix("wte.weight", cfg.VocabSize, cfg.HiddenSize, false)
	m.wpe = ld.matrix("wpe.weight", cfg.MaxPositions, cfg.HiddenSize, false)

	d := cfg.HiddenSize
	m.blocks = make([]*block, cfg.NumLayers)
	for i := range m.blocks {
		p := "h." + strconv.Itoa(i) + "."
		b := &block{
			ln1Gain: ld.vector(p+"ln_1.weight", d),
			ln1Bias: ld.vector(p+"ln_1.bias", d),
			ln2Gain: ld.vector(p+"ln_2.weight", d),
			ln2Bias: ld.vector(p+"ln_2.bias", d),
		}
		b.attn = m.newLinear(p+"attn.c_attn", ld.matrix(p+"attn.c_attn.weight", 3*d, d, true), ld.optionalVector(p+"attn.c_attn.bias", 3*d))
		b.attnProj = m.newLinear(p+"attn.c_proj", ld.matrix(p+"attn.c_proj.weight", d, d, true), ld.optionalVector(p+"attn.c_proj.bias", d))
		b.mlpFC = m.newLinear(p+"mlp.c_fc", ld.matrix(p+"mlp.c_fc.weight", 4*d, d, true), ld.optionalVector(p+"mlp.c_fc.bias", 4*d))
		b.mlpProj = m.newLinear(p+"mlp.c_proj", ld.matrix(p+"mlp.c_proj.weight", d, 4*d, true), ld.optionalVector(p+"mlp.c_proj.bias", d))
		m.blocks[i] = b
	}

	m.lnfGain = ld.vector("ln_f.weight", d)
	m.lnfBias = ld.vector("ln_f.bias", d)

	if !cfg.TieWordEmbeddings {
		if ld.has("lm_head.weight") {
			m.lmHead = m.newLinear("lm_head", ld.matrix("lm_head.weight", cfg.VocabSize, d, false), nil)
		}
	}

	if ld.err != nil {
		return nil, ld.err
	}
	return m, nil
}

func (m *Model) newLinear(name string, w *tensor.Param, b *tensor.Vec) *linear {
	l := &linear{name: name, weight: w, bias: b}
	m.linears[name] = l
	return l
}

// ForwardStep runs one token through the transformer, appending its keys and
// values to the cache, and returns the vocab logits.
func (m *Model) ForwardStep(tokenID, position int, cache *Cache) (*tensor.Vec, error) {
	cfg := m.Config
	if tokenID < 0 || tokenID >= cfg.VocabSize {
		return nil, errors.Errorf("token id %d outside vocabulary of size %d", tokenID, cfg.VocabSize)
	}
	if position >= cfg.MaxPositions {
		return nil, errors.Errorf("position %d exceeds context length %d", position, cfg.MaxPositions)
	}

	x := m.wte.Row(tokenID).Add(m.wpe.Row(position))

	d := cfg.HiddenSize
	nHead := cfg.NumHeads
	headDim := cfg.HeadDim()
	scale := 1.0 / math.Sqrt(float64(headDim))

	for li, b := range m.blocks {
		normed := tensor.LayerNorm(x, b.ln1Gain, b.ln1Bias, cfg.LayerNormEpsilon)
		qkv := b.attn.forward(normed)
		q := qkv.Slice(0, d)
		k := qkv.Slice(d, 2*d)
		v := qkv.Slice(2*d, 3*d)

		cache.keys[li] = append(cache.keys[li], k)
		cache.values[li] = append(cache.values[li], v)
		seqLen := len(cache.keys[li])

		headOuts := make([]*tensor.Vec, nHead)
		for h := 0; h < nHead; h++ {
			lo, hi := h*headDim, (h+1)*headDim
			qh := q.Slice(lo, hi)

			scores := make([]*tensor.Scalar, seqLen)
			valsH := make([]*tensor.Vec, seqLen)
			for t := 0; t < seqLen; t++ {
				kh := cache.keys[li][t].Slice(lo, hi)
				scores[t] = qh.Dot(kh).MulF(scale)
				valsH[t] = cache.values[li][t].Slice(lo, hi)
			}
			weights := tensor.SoftmaxScalars(scores)
			headOuts[h] = tensor.WeightedSum(weights, valsH)
		}

		attnOut := b.attnProj.forward(tensor.Concat(headOuts))
		x = x.Add(attnOut)

		normed2 := tensor.LayerNorm(x, b.ln2Gain, b.ln2Bias, cfg.LayerNormEpsilon)
		mlpOut := b.mlpProj.forward(b.mlpFC.forward(normed2).GELU())
		x = x.Add(mlpOut)
	}

	x = tensor.LayerNorm(x, m.lnfGain, m.lnfBias, cfg.LayerNormEpsilon)

	if m.lmHead != nil {
		return m.lmHead.forward(x), nil
	}
	return m.wte.Matvec(x), nil
}

// ScoreCompletion runs prompt then completion tokens teacher-forced and
// returns one differentiable log-probability per completion token.
func (m *Model) ScoreCompletion(promptIDs, completionIDs []int) ([]*tensor.Scalar, error) {
	if len(completionIDs) == 0 {
		return nil, nil
	}
	if len(promptIDs) == 0 {
		return nil, errors.New("prompt must contain at least one token")
	}
	cache := m.NewCache()
	pos := 0

	// Prompt steps stay on the graph: completion tokens attend to prompt
	// keys and values, which depend on the adapter weights.
	for _, id := range promptIDs[:len(promptIDs)-1] {
		if _, err := m.ForwardStep(id, pos, cache); err != nil {
			return nil, err
		}
		pos++
	}
	logProbs := make([]*tensor.Scalar, 0, len(completionIDs))

	prev := promptIDs[len(promptIDs)-1]
	for _, target := range completionIDs {
		logits, e := m.ForwardStep(prev, pos, cache)
		if e != nil {
			return nil, e
		}
		pos++
		logProbs = append(logProbs, tensor.LogSoftmaxPick(logits, target))
		prev = target
	}
	return logProbs, nil
}

// weightLoader accumulates the first lookup error instead of forcing error
// checks on every tensor fetch.
type weightLoader struct {
	tensors map[string]*Tensor
	err     error
}

func (ld *weightLoader) has(name string) bool {
	_, ok := ld.tensors[name]
	return ok
}

func (ld *weightLoader) get(name string, wantElems int) *Tensor {
	if ld.err != nil {
		return nil
	}
	t, ok := ld.tensors[name]
	if !ok {
		ld.err = errors.Errorf("checkpoint missing tensor %q", name)
		return nil
	}
	if t.NumElements() != wantElems {
		ld.err = errors.Errorf("tensor %q has %d elements, want %d", name, t.NumElements(), wantElems)
		return nil
	}
	return t
}

func (ld *weightLoader) vector(name string, n int) *tensor.Vec {
	t := ld.get(name, n)
	if t == nil {
		return tensor.NewVecWithGrad(make([]float64, n))
	}
	return tensor.NewVecWithGrad(t.Data)
}

func (ld *weightLoader) optionalVector(name string, n int) *tensor.Vec {
	if !ld.has(name) {
		return nil
	}
	return ld.vector(name, n)
}

// matrix fetches an (out, in) weight. Conv1D kernels arrive as (in, out) and
// are transposed; transposed=true means the checkpoint layout is (in, out)
// whenever the stored shape says so.
func (ld *weightLoader) matrix(name string, out, in int, conv1d bool) *tensor.Param {
	t := ld.get(name, out*in)
	if t == nil {
		return tensor.NewParamZero(out, in)
	}
	if conv1d && len(t.Shape) == 2 && t.Shape[0] == in && t.Shape[1] == out {
		return transposeTo(t, out, in)
	}
	return tensor.NewParamFrom(out, in, t.Data)
}

func transposeTo(t *Tensor, out, in int) *tensor.Param {
	data := make([]float64, out*in)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			data[j*in+i] = t.Data[i*out+j]
		}
	}
	return tensor.NewParamFrom(out, in, data)
}

// normalizeNames strips the optional "transformer." prefix some exports use.
func normalizeNames(tensors map[string]*Tensor) map[string]*Tensor {
	out := make(map[string]*Tensor, len(tensors))
	for name, t := range tensors {
		out[strings.TrimPrefix(name, "transformer.")] = t
	}
	return out
}

// TensorMap exports the model's current weights in checkpoint layout, for
// saving merged models. Linear weights are written back as Conv1D kernels to
// match the source checkpoint convention.
func (m *Model) TensorMap() map[string]*Tensor {
	out := make(map[string]*Tensor)
	out["wte.weight"] = paramToTensor(m.wte, false)
	out["wpe.weight"] = paramToTensor(m.wpe, false)
	for i, b := range m.blocks {
		p := "h." + strconv.Itoa(i) + "."
		out[p+"ln_1.weight"] = vecToTensor(b.ln1Gain)
		out[p+"ln_1.bias"] = vecToTensor(b.ln1Bias)
		out[p+"ln_2.weight"] = vecToTensor(b.ln2Gain)
		out[p+"ln_2.bias"] = vecToTensor(b.ln2Bias)
		for _, l := range []*linear{b.attn, b.attnProj, b.mlpFC, b.mlpProj} {
			out[l.name+".weight"] = paramToTensor(l.weight, true)
			if l.bias != nil {
				out[l.name+".bias"] = vecToTensor(l.bias)
			}
		}
	}
	out["ln_f.weight"] = vecToTensor(m.lnfGain)
	out["ln_f.bias"] = vecToTensor(m.lnfBias)
	if m.lmHead != nil {
		out["lm_head.weight"] = paramToTensor(m.lmHead.weight, false)
	}
	return out
}

// LinearNames returns the sorted names of all projection layers.
func (m *Model) LinearNames() []string {
	names := make([]string, 0, len(m.linears))
	for name := range m.linears {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func paramToTensor(p *tensor.Param, conv1d bool) *Tensor {
	if conv1d {
		data := make([]float64, p.Out*p.In)
		for j := 0; j < p.Out; j++ {
			for i := 0; i < p.In; i++ {
				data[i*p.Out+j] = p.Rows[j].Data[i]
			}
		}
		return &Tensor{Shape: []int{p.In, p.Out}, Data: data}
	}
	data := make([]float64, 0, p.Out*p.In)
	for _, row := range p.Rows {
		data = append(data, row.Data...)
	}
	return &Tensor{Shape: []int{p.Out, p.In}, Data: data}
}

func vecToTensor(v *tensor.Vec) *Tensor {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Tensor{Shape: []int{len(v.Data)}, Data: data}
}
