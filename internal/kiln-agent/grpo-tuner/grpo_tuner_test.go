package grpo_tuner

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-project/kiln/pkg/model"
	kilntesting "github.com/kiln-project/kiln/pkg/testing"
	"github.com/kiln-project/kiln/pkg/zipper"
)

// tinyAdapterModel builds a one-layer model with adapters attached, just large
// enough to exercise the export path.
func tinyAdapterModel(t *testing.T) *model.Model {
	t.Helper()
	d := 4
	rng := rand.New(rand.NewSource(11))
	rt := func(scale float64, shape ...int) *model.Tensor {
		n := 1
		for _, s := range shape {
			n *= s
		}
		data := make([]float64, n)
		for i := range data {
			data[i] = rng.NormFloat64() * scale
		}
		return &model.Tensor{Shape: shape, Data: data}
	}
	ones := func(n int) *model.Tensor {
		data := make([]float64, n)
		for i := range data {
			data[i] = 1
		}
		return &model.Tensor{Shape: []int{n}, Data: data}
	}
	zeros := func(n int) *model.Tensor {
		return &model.Tensor{Shape: []int{n}, Data: make([]float64, n)}
	}

	cfg := &model.Config{
		ModelType:         "gpt2",
		VocabSize:         8,
		HiddenSize:        d,
		NumLayers:         1,
		NumHeads:          2,
		MaxPositions:      16,
		LayerNormEpsilon:  1e-5,
		EOSTokenID:        0,
		BOSTokenID:        -1,
		TieWordEmbeddings: true,
	}
	tensors := map[string]*model.Tensor{
		"wte.weight":             rt(0.1, 8, d),
		"wpe.weight":             rt(0.1, 16, d),
		"h.0.ln_1.weight":        ones(d),
		"h.0.ln_1.bias":          zeros(d),
		"h.0.ln_2.weight":        ones(d),
		"h.0.ln_2.bias":          zeros(d),
		"h.0.attn.c_attn.weight": rt(0.1, d, 3*d),
		"h.0.attn.c_attn.bias":   zeros(3 * d),
		"h.0.attn.c_proj.weight": rt(0.1, d, d),
		"h.0.attn.c_proj.bias":   zeros(d),
		"h.0.mlp.c_fc.weight":    rt(0.1, d, 4*d),
		"h.0.mlp.c_fc.bias":      zeros(4 * d),
		"h.0.mlp.c_proj.weight":  rt(0.1, 4*d, d),
		"h.0.mlp.c_proj.bias":    zeros(d),
		"ln_f.weight":            ones(d),
		"ln_f.bias":              zeros(d),
	}

	m, err := model.FromTensors(cfg, tensors)
	require.NoError(t, err)
	adapterCfg := model.AdapterConfig{Rank: 2, Alpha: 4, TargetModules: []string{model.TargetAllLinear}}
	require.NoError(t, m.AttachAdapters(adapterCfg, rng))
	return m
}

func TestExportPackagesOutput(t *testing.T) {
	mdl := tinyAdapterModel(t)

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, model.ConfigFileName), []byte(`{"model_type":"gpt2"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "tokenizer.json"), []byte(`{}`), 0o644))

	outputDir := filepath.Join(t.TempDir(), "GRPO")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := defaultConfig()
	cfg.AnotherLogger = kilntesting.SetupMockLogger()
	cfg.Training.OutputDir = outputDir
	cfg.MergeAdapters = true
	cfg.PackageOutput = true

	tuner := &GRPOTuner{logger: cfg.AnotherLogger, Config: *cfg, fs: afero.NewOsFs()}
	require.NoError(t, tuner.export(mdl, modelDir))

	for _, rel := range []string{
		filepath.Join(adapterExportDir, model.AdapterWeightsFileName),
		filepath.Join(adapterExportDir, model.AdapterConfigFileName),
		filepath.Join(adapterExportDir, model.ConfigFileName),
		filepath.Join(adapterExportDir, "tokenizer.json"),
		filepath.Join(mergedExportDir, model.WeightsFileName),
		filepath.Join(mergedExportDir, model.ConfigFileName),
	} {
		_, err := os.Stat(filepath.Join(outputDir, rel))
		assert.NoError(t, err, rel)
	}

	// The packaged archive round-trips through the zipper.
	extracted := t.TempDir()
	require.NoError(t, zipper.Unzip(outputDir+".zip", extracted))
	_, err := os.Stat(filepath.Join(extracted, adapterExportDir, model.AdapterConfigFileName))
	assert.NoError(t, err)
}

func TestExportAdapterOnly(t *testing.T) {
	mdl := tinyAdapterModel(t)

	modelDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "GRPO")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := defaultConfig()
	cfg.AnotherLogger = kilntesting.SetupMockLogger()
	cfg.Training.OutputDir = outputDir

	tuner := &GRPOTuner{logger: cfg.AnotherLogger, Config: *cfg, fs: afero.NewOsFs()}
	require.NoError(t, tuner.export(mdl, modelDir))

	// No merged export, no archive; missing snapshot files are skipped.
	_, err := os.Stat(filepath.Join(outputDir, mergedExportDir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(outputDir + ".zip")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outputDir, adapterExportDir, model.AdapterWeightsFileName))
	assert.NoError(t, err)
}
