package model

import (
	"context"
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() *Config {
	return &Config{
		ModelType:         "gpt2",
		VocabSize:         8,
		HiddenSize:        4,
		NumLayers:         1,
		NumHeads:          2,
		MaxPositions:      16,
		LayerNormEpsilon:  1e-5,
		EOSTokenID:        0,
		BOSTokenID:        -1,
		TieWordEmbeddings: true,
	}
}

func randTensor(rng *rand.Rand, scale float64, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &Tensor{Shape: shape, Data: data}
}

func onesTensor(n int) *Tensor {
	data := make([]float64, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{Shape: []int{n}, Data: data}
}

func zerosTensor(n int) *Tensor {
	return &Tensor{Shape: []int{n}, Data: make([]float64, n)}
}

// tinyTensors builds a 1-layer checkpoint in the Conv1D layout HF exports.
func tinyTensors(rng *rand.Rand) map[string]*Tensor {
	d := 4
	tensors := map[string]*Tensor{
		"wte.weight": randTensor(rng, 0.1, 8, d),
		"wpe.weight": randTensor(rng, 0.1, 16, d),
		"ln_f.weight": onesTensor(d),
		"ln_f.bias":   zerosTensor(d),
	}
	p := "h.0."
	tensors[p+"ln_1.weight"] = onesTensor(d)
	tensors[p+"ln_1.bias"] = zerosTensor(d)
	tensors[p+"ln_2.weight"] = onesTensor(d)
	tensors[p+"ln_2.bias"] = zerosTensor(d)
	tensors[p+"attn.c_attn.weight"] = randTensor(rng, 0.1, d, 3*d)
	tensors[p+"attn.c_attn.bias"] = zerosTensor(3 * d)
	tensors[p+"attn.c_proj.weight"] = randTensor(rng, 0.1, d, d)
	tensors[p+"attn.c_proj.bias"] = zerosTensor(d)
	tensors[p+"mlp.c_fc.weight"] = randTensor(rng, 0.1, d, 4*d)
	tensors[p+"mlp.c_fc.bias"] = zerosTensor(4 * d)
	tensors[p+"mlp.c_proj.weight"] = randTensor(rng, 0.1, 4*d, d)
	tensors[p+"mlp.c_proj.bias"] = zerosTensor(d)
	return tensors
}

func tinyModel(t *testing.T, seed int64) *Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	m, err := FromTensors(tinyConfig(), tinyTensors(rng))
	require.NoError(t, err)
	return m
}

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfgJSON := `{
		"model_type": "gpt2",
		"vocab_size": 50257,
		"n_embd": 768,
		"n_layer": 12,
		"n_head": 12,
		"n_positions": 1024,
		"eos_token_id": 50256
	}`
	require.NoError(t, afero.WriteFile(fs, "/snap/config.json", []byte(cfgJSON), 0o644))

	cfg, err := LoadConfig(fs, "/snap")
	require.NoError(t, err)
	assert.Equal(t, 50257, cfg.VocabSize)
	assert.Equal(t, 768, cfg.HiddenSize)
	assert.Equal(t, 12, cfg.NumLayers)
	assert.Equal(t, 1024, cfg.MaxPositions)
	assert.Equal(t, 50256, cfg.EOSTokenID)
	assert.Equal(t, 1e-5, cfg.LayerNormEpsilon)
	assert.True(t, cfg.TieWordEmbeddings)
	assert.Equal(t, 64, cfg.HeadDim())
}

func TestLoadConfigAlternateFieldNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfgJSON := `{
		"model_type": "gpt2",
		"vocab_size": 100,
		"hidden_size": 32,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"max_position_embeddings": 64
	}`
	require.NoError(t, afero.WriteFile(fs, "/snap/config.json", []byte(cfgJSON), 0o644))

	cfg, err := LoadConfig(fs, "/snap")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.HiddenSize)
	assert.Equal(t, 2, cfg.NumLayers)
	assert.Equal(t, 4, cfg.NumHeads)
	assert.Equal(t, 64, cfg.MaxPositions)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"indivisible heads", func(c *Config) { c.NumHeads = 3 }},
		{"zero positions", func(c *Config) { c.MaxPositions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, tinyConfig().Validate())
}

func TestFromTensorsMissingTensor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	tensors := tinyTensors(rng)
	delete(tensors, "h.0.attn.c_attn.weight")

	_, err := FromTensors(tinyConfig(), tensors)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c_attn")
}

func TestForwardStep(t *testing.T) {
	m := tinyModel(t, 2)
	cache := m.NewCache()

	logits, err := m.ForwardStep(1, 0, cache)
	require.NoError(t, err)
	assert.Equal(t, m.Config.VocabSize, logits.Len())
	assert.Equal(t, 1, cache.Len())

	_, err = m.ForwardStep(2, 1, cache)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	_, err = m.ForwardStep(99, 2, cache)
	require.Error(t, err)

	_, err = m.ForwardStep(1, m.Config.MaxPositions, cache)
	require.Error(t, err)
}

func TestForwardStepDeterministic(t *testing.T) {
	a := tinyModel(t, 3)
	b := tinyModel(t, 3)

	la, err := a.ForwardStep(4, 0, a.NewCache())
	require.NoError(t, err)
	lb, err := b.ForwardStep(4, 0, b.NewCache())
	require.NoError(t, err)
	assert.Equal(t, la.Data, lb.Data)
}

func TestConv1DRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	tensors := tinyTensors(rng)
	m, err := FromTensors(tinyConfig(), tensors)
	require.NoError(t, err)

	exported := m.TensorMap()
	for _, name := range []string{"h.0.attn.c_attn.weight", "h.0.mlp.c_fc.weight", "h.0.mlp.c_proj.weight"} {
		want := tensors[name]
		got := exported[name]
		require.Equal(t, want.Shape, got.Shape, name)
		assert.Equal(t, want.Data, got.Data, name)
	}
}

func TestScoreCompletion(t *testing.T) {
	m := tinyModel(t, 5)

	logProbs, err := m.ScoreCompletion([]int{1, 2}, []int{3, 4, 0})
	require.NoError(t, err)
	require.Len(t, logProbs, 3)
	for i, lp := range logProbs {
		assert.LessOrEqual(t, lp.Data, 0.0, "log prob %d", i)
	}

	empty, err := m.ScoreCompletion([]int{1}, nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = m.ScoreCompletion(nil, []int{1})
	require.Error(t, err)
}

func TestGenerateRespectsLimitsAndEOS(t *testing.T) {
	m := tinyModel(t, 6)
	rng := rand.New(rand.NewSource(9))

	gen, err := m.Generate(context.Background(), []int{1, 2}, GenConfig{
		MaxNewTokens: 5,
		Temperature:  1.0,
		TopK:         0,
		TopP:         1.0,
		EOSTokenID:   0,
	}, rng)
	require.NoError(t, err)
	require.NotEmpty(t, gen.TokenIDs)
	assert.LessOrEqual(t, len(gen.TokenIDs), 5)
	assert.Equal(t, len(gen.TokenIDs), len(gen.LogProbs))
	for _, lp := range gen.LogProbs {
		assert.LessOrEqual(t, lp, 0.0)
	}
	// If EOS was sampled it must be the final token.
	for i, id := range gen.TokenIDs[:len(gen.TokenIDs)-1] {
		assert.NotEqual(t, 0, id, "EOS at non-final position %d", i)
	}
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	m := tinyModel(t, 7)

	a, err := m.GenerateGreedy(context.Background(), []int{1, 2, 3}, 6, -1)
	require.NoError(t, err)
	b, err := m.GenerateGreedy(context.Background(), []int{1, 2, 3}, 6, -1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 6)
}

func TestGenerateCancellation(t *testing.T) {
	m := tinyModel(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Generate(ctx, []int{1}, GenConfig{MaxNewTokens: 4, EOSTokenID: -1}, rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSampleTopKTopP(t *testing.T) {
	probs := []float64{0.1, 0.6, 0.2, 0.1}
	rng := rand.New(rand.NewSource(1))

	// top-k 1 always picks the argmax with probability 1.
	id, p := sampleTopKTopP(probs, 1, 0, rng)
	assert.Equal(t, 1, id)
	assert.Equal(t, 1.0, p)

	// nucleus 0.6 keeps only the top token.
	id, p = sampleTopKTopP(probs, 0, 0.6, rng)
	assert.Equal(t, 1, id)
	assert.Equal(t, 1.0, p)

	// Unfiltered sampling stays inside the support.
	for i := 0; i < 50; i++ {
		id, p = sampleTopKTopP(probs, 0, 1.0, rng)
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, len(probs))
		assert.Greater(t, p, 0.0)
	}
}

func TestSoftmaxProbs(t *testing.T) {
	probs := SoftmaxProbs([]float64{1000, 1000, 1000})
	for _, p := range probs {
		assert.InDelta(t, 1.0/3, p, 1e-12)
	}

	probs = SoftmaxProbs([]float64{0, 100})
	assert.Less(t, probs[0], 1e-20)
	assert.InDelta(t, 1.0, probs[1], 1e-12)
}

func TestModelLoadFromFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	rng := rand.New(rand.NewSource(11))
	require.NoError(t, SaveSafetensors(fs, "/snap/"+WeightsFileName, tinyTensors(rng), nil))

	cfgJSON := `{"model_type":"gpt2","vocab_size":8,"n_embd":4,"n_layer":1,"n_head":2,"n_positions":16,"eos_token_id":0}`
	require.NoError(t, afero.WriteFile(fs, "/snap/config.json", []byte(cfgJSON), 0o644))

	m, err := Load(fs, "/snap")
	require.NoError(t, err)
	assert.Equal(t, 8, m.Config.VocabSize)
	require.Len(t, m.LinearNames(), 4)

	logits, err := m.ForwardStep(0, 0, m.NewCache())
	require.NoError(t, err)
	assert.Equal(t, 8, logits.Len())
}

func TestLinearNamesStable(t *testing.T) {
	m := tinyModel(t, 12)
	names := m.LinearNames()
	require.Len(t, names, 4)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}
