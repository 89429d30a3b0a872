package grpo

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-project/kiln/pkg/dataset"
	"github.com/kiln-project/kiln/pkg/logging"
	"github.com/kiln-project/kiln/pkg/model"
)

// letterCodec maps token id i to the letter 'a'+i, with id 0 reserved as EOS.
// It keeps trainer tests independent of a real subword vocabulary.
type letterCodec struct{}

func (letterCodec) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id := int(r-'a') + 1
		if id < 1 || id > 7 {
			id = 1
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		ids = append(ids, 1)
	}
	return ids, nil
}

func (letterCodec) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 {
			continue
		}
		sb.WriteRune(rune('a' + id - 1))
	}
	return sb.String()
}

func (letterCodec) EOSID() int { return 0 }

func testModelConfig() *model.Config {
	return &model.Config{
		ModelType:         "gpt2",
		VocabSize:         8,
		HiddenSize:        4,
		NumLayers:         1,
		NumHeads:          2,
		MaxPositions:      32,
		LayerNormEpsilon:  1e-5,
		EOSTokenID:        0,
		BOSTokenID:        -1,
		TieWordEmbeddings: true,
	}
}

func testModelTensors(rng *rand.Rand) map[string]*model.Tensor {
	d := 4
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

	return map[string]*model.Tensor{
		"wte.weight":             rt(0.1, 8, d),
		"wpe.weight":             rt(0.1, 32, d),
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
}

func testAdapterConfig() model.AdapterConfig {
	return model.AdapterConfig{Rank: 2, Alpha: 4, TargetModules: []string{model.TargetAllLinear}}
}

func newTestModel(t *testing.T, seed int64) *model.Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	m, err := model.FromTensors(testModelConfig(), testModelTensors(rng))
	require.NoError(t, err)
	require.NoError(t, m.AttachAdapters(testAdapterConfig(), rng))
	return m
}

func testTrainConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.AccumSteps = 2
	cfg.MaxPromptLen = 8
	cfg.MaxCompletionLen = 4
	cfg.NumGenerations = 4
	cfg.Optimizer = OptimizerAdamW
	cfg.OutputDir = "/out"
	cfg.CheckpointSteps = 0
	cfg.EvalSamples = 2
	cfg.Seed = 17
	return cfg
}

// runeSumReward gives each distinct completion a distinct score so advantage
// groups almost never collapse to zero variance.
func runeSumReward(completions []string) []float64 {
	out := make([]float64, len(completions))
	for i, c := range completions {
		for _, r := range c {
			out[i] += float64(r % 13)
		}
	}
	return out
}

func testRecords(n int) []dataset.Record {
	words := []string{"abc", "bcd", "cde", "def", "efg", "fga"}
	records := make([]dataset.Record, n)
	for i := range records {
		records[i] = dataset.Record{Prompt: words[i%len(words)], Summary: words[(i+1)%len(words)]}
	}
	return records
}

func newTestTrainer(t *testing.T, m *model.Model, cfg Config, fs afero.Fs) *Trainer {
	t.Helper()
	tr, err := New(m, letterCodec{}, runeSumReward, testAdapterConfig(), cfg, logging.Discard(), fs)
	require.NoError(t, err)
	return tr
}

func TestNewValidation(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestModel(t, 1)

	_, err := New(m, letterCodec{}, nil, testAdapterConfig(), testTrainConfig(), logging.Discard(), fs)
	require.Error(t, err)

	bad := testTrainConfig()
	bad.NumGenerations = 1
	_, err = New(m, letterCodec{}, runeSumReward, testAdapterConfig(), bad, logging.Discard(), fs)
	require.Error(t, err)

	rng := rand.New(rand.NewSource(2))
	plain, err := model.FromTensors(testModelConfig(), testModelTensors(rng))
	require.NoError(t, err)
	_, err = New(plain, letterCodec{}, runeSumReward, testAdapterConfig(), testTrainConfig(), logging.Discard(), fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapters")
}

func TestTrainUpdatesAdaptersOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestModel(t, 3)
	tr := newTestTrainer(t, m, testTrainConfig(), fs)

	baseBefore := append([]float64{}, m.TensorMap()["wte.weight"].Data...)
	var adapterBefore []float64
	for _, p := range m.AdapterParams() {
		adapterBefore = append(adapterBefore, p.Data...)
	}

	splits := &dataset.Splits{Train: testRecords(4), Validation: testRecords(2)}
	require.NoError(t, tr.Train(context.Background(), splits))

	// Base weights never move.
	baseAfter := m.TensorMap()["wte.weight"].Data
	assert.Equal(t, baseBefore, baseAfter)

	// Adapter parameters did.
	var adapterAfter []float64
	for _, p := range m.AdapterParams() {
		adapterAfter = append(adapterAfter, p.Data...)
	}
	assert.NotEqual(t, adapterBefore, adapterAfter, "expected adapter parameters to receive updates")

	// Metrics log and final checkpoint exist.
	exists, err := afero.Exists(fs, "/out/"+MetricsFileName)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := afero.ReadFile(fs, "/out/"+MetricsFileName)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.GreaterOrEqual(t, len(lines), 2) // at least one step plus the eval record
	assert.Contains(t, lines[0], tr.RunID())

	dir, step, err := latestCheckpoint(fs, "/out")
	require.NoError(t, err)
	assert.NotEmpty(t, dir)
	assert.Greater(t, step, 0)

	for _, name := range []string{model.AdapterWeightsFileName, model.AdapterConfigFileName, trainerStateFileName, optimizerStateFileName} {
		ok, err := afero.Exists(fs, dir+"/"+name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}

func TestTrainFlushesAccumulationAtEpochEnd(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testTrainConfig()
	cfg.Epochs = 2
	tr := newTestTrainer(t, newTestModel(t, 9), cfg, fs)

	// Five records at batch size 2 give three micro-batches per epoch, so
	// each epoch takes two optimizer steps: one full accumulation window
	// plus the epoch-end flush of the leftover micro-batch.
	require.NoError(t, tr.Train(context.Background(), &dataset.Splits{Train: testRecords(5)}))

	dir, step, err := latestCheckpoint(fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, 4, step)

	data, err := afero.ReadFile(fs, dir+"/"+trainerStateFileName)
	require.NoError(t, err)
	var state trainerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, 4, state.Step)
	// Linear decay reaches zero exactly at the last scheduled step.
	assert.Equal(t, 0.0, state.LR)
}

func TestTrainEmptySplit(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := newTestTrainer(t, newTestModel(t, 4), testTrainConfig(), fs)
	err := tr.Train(context.Background(), &dataset.Splits{})
	require.Error(t, err)
}

func TestTrainCancellation(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := newTestTrainer(t, newTestModel(t, 5), testTrainConfig(), fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Train(ctx, &dataset.Splits{Train: testRecords(4)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testTrainConfig()

	src := newTestModel(t, 6)
	srcTrainer := newTestTrainer(t, src, cfg, fs)
	// Give the adapters and optimizer observable state.
	require.NoError(t, srcTrainer.Train(context.Background(), &dataset.Splits{Train: testRecords(4)}))

	state := trainerState{RunID: srcTrainer.runID, Step: 7, Epoch: 0, BatchIndex: 1, LR: 1e-5}
	require.NoError(t, srcTrainer.saveCheckpoint(state))

	dst := newTestModel(t, 6)
	dstTrainer := newTestTrainer(t, dst, cfg, fs)
	restored, err := dstTrainer.restoreCheckpoint("/out/checkpoint-7")
	require.NoError(t, err)
	assert.Equal(t, 7, restored.Step)
	assert.Equal(t, 1, restored.BatchIndex)
	assert.Equal(t, srcTrainer.runID, restored.RunID)

	srcParams := src.AdapterParams()
	dstParams := dst.AdapterParams()
	require.Equal(t, len(srcParams), len(dstParams))
	for i := range srcParams {
		for j := range srcParams[i].Data {
			assert.InDelta(t, srcParams[i].Data[j], dstParams[i].Data[j], 1e-6)
		}
	}
}

func TestLatestCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()

	dir, step, err := latestCheckpoint(fs, "/none")
	require.NoError(t, err)
	assert.Empty(t, dir)
	assert.Zero(t, step)

	require.NoError(t, fs.MkdirAll("/out/checkpoint-5", 0o755))
	require.NoError(t, fs.MkdirAll("/out/checkpoint-40", 0o755))
	require.NoError(t, fs.MkdirAll("/out/notacheckpoint", 0o755))

	dir, step, err = latestCheckpoint(fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, "/out/checkpoint-40", dir)
	assert.Equal(t, 40, step)
}

func TestEvaluate(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := newTestTrainer(t, newTestModel(t, 8), testTrainConfig(), fs)

	meanReward, count, err := tr.Evaluate(context.Background(), testRecords(5))
	require.NoError(t, err)
	assert.Equal(t, 2, count) // capped by EvalSamples
	assert.GreaterOrEqual(t, meanReward, 0.0)

	meanReward, count, err = tr.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, meanReward)
}

func TestDecayedLR(t *testing.T) {
	tr := &Trainer{cfg: Config{LearningRate: 1e-2}}
	assert.Equal(t, 1e-2, tr.decayedLR(0, 10))
	assert.InDelta(t, 5e-3, tr.decayedLR(5, 10), 1e-12)
	assert.Equal(t, 0.0, tr.decayedLR(10, 10))
	assert.Equal(t, 0.0, tr.decayedLR(15, 10))
	assert.Equal(t, 1e-2, tr.decayedLR(3, 0))
}
