package model

import (
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ConfigFileName is the model configuration file inside a snapshot directory.
const ConfigFileName = "config.json"

// Config holds the architecture hyperparameters read from a model snapshot's
// config.json. Only decoder-only GPT-style checkpoints are supported.
type Config struct {
	ModelType         string `json:"model_type"`
	VocabSize         int    `json:"vocab_size"`
	HiddenSize        int    `json:"n_embd"`
	NumLayers         int    `json:"n_layer"`
	NumHeads          int    `json:"n_head"`
	MaxPositions      int    `json:"n_positions"`
	LayerNormEpsilon  float64
	EOSTokenID        int
	BOSTokenID        int
	TieWordEmbeddings bool
}

type rawConfig struct {
	ModelType         string   `json:"model_type"`
	VocabSize         int      `json:"vocab_size"`
	NEmbd             int      `json:"n_embd"`
	HiddenSize        int      `json:"hidden_size"`
	NLayer            int      `json:"n_layer"`
	NumHiddenLayers   int      `json:"num_hidden_layers"`
	NHead             int      `json:"n_head"`
	NumAttentionHeads int      `json:"num_attention_heads"`
	NPositions        int      `json:"n_positions"`
	NCtx              int      `json:"n_ctx"`
	MaxPositionEmbeds int      `json:"max_position_embeddings"`
	LayerNormEpsilon  *float64 `json:"layer_norm_epsilon"`
	EOSTokenID        *int     `json:"eos_token_id"`
	BOSTokenID        *int     `json:"bos_token_id"`
	TieWordEmbeddings *bool    `json:"tie_word_embeddings"`
}

// LoadConfig reads and validates config.json from a snapshot directory.
func LoadConfig(fs afero.Fs, snapshotDir string) (*Config, error) {
	path := filepath.Join(snapshotDir, ConfigFileName)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model config %s", path)
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing model config %s", path)
	}

	cfg := &Config{
		ModelType:         raw.ModelType,
		VocabSize:         raw.VocabSize,
		HiddenSize:        firstPositive(raw.NEmbd, raw.HiddenSize),
		NumLayers:         firstPositive(raw.NLayer, raw.NumHiddenLayers),
		NumHeads:          firstPositive(raw.NHead, raw.NumAttentionHeads),
		MaxPositions:      firstPositive(raw.NPositions, raw.NCtx, raw.MaxPositionEmbeds),
		LayerNormEpsilon:  1e-5,
		EOSTokenID:        -1,
		BOSTokenID:        -1,
		TieWordEmbeddings: true,
	}
	if raw.LayerNormEpsilon != nil {
		cfg.LayerNormEpsilon = *raw.LayerNormEpsilon
	}
	if raw.EOSTokenID != nil {
		cfg.EOSTokenID = *raw.EOSTokenID
	}
	if raw.BOSTokenID != nil {
		cfg.BOSTokenID = *raw.BOSTokenID
	}
	if raw.TieWordEmbeddings != nil {
		cfg.TieWordEmbeddings = *raw.TieWordEmbeddings
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid model config %s", path)
	}
	return cfg, nil
}

// Validate checks the dimensional constraints the forward pass relies on.
func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.New("vocab_size must be positive")
	case c.HiddenSize <= 0:
		return errors.New("hidden size must be positive")
	case c.NumLayers <= 0:
		return errors.New("layer count must be positive")
	case c.NumHeads <= 0:
		return errors.New("head count must be positive")
	case c.HiddenSize%c.NumHeads != 0:
		return errors.Errorf("hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	case c.MaxPositions <= 0:
		return errors.New("max positions must be positive")
	}
	return nil
}

// HeadDim returns the per-head dimension.
func (c *Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
