// Package tokenizer wraps a HuggingFace tokenizer.json for encode/decode and
// resolves special tokens from the snapshot's tokenizer_config.json.
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

const (
	// TokenizerFileName is the serialized tokenizer inside a snapshot.
	TokenizerFileName = "tokenizer.json"
	// TokenizerConfigFileName carries the special-token declarations.
	TokenizerConfigFileName = "tokenizer_config.json"
)

// Tokenizer encodes and decodes text with a pretrained subword vocabulary.
type Tokenizer struct {
	tk        *tk.Tokenizer
	vocabSize int
	eosID     int
	padID     int
}

// FromSnapshot loads tokenizer.json plus special-token config from a model
// snapshot directory. The underlying library reads the file directly, so
// snapshots must live on the OS filesystem rather than a virtual one.
func FromSnapshot(snapshotDir string) (*Tokenizer, error) {
	tokPath := filepath.Join(snapshotDir, TokenizerFileName)
	inner, err := pretrained.FromFile(tokPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading tokenizer from %s", tokPath)
	}

	vocab := inner.GetVocab(true)
	t := &Tokenizer{
		tk:        inner,
		vocabSize: len(vocab),
		eosID:     -1,
		padID:     -1,
	}

	eosToken, padToken, err := readSpecialTokens(filepath.Join(snapshotDir, TokenizerConfigFileName))
	if err != nil {
		return nil, err
	}
	if eosToken != "" {
		if id, ok := vocab[eosToken]; ok {
			t.eosID = id
		}
	}
	if padToken != "" {
		if id, ok := vocab[padToken]; ok {
			t.padID = id
		}
	}
	// GPT-2 style tokenizers declare no pad token; fall back to EOS.
	if t.padID < 0 {
		t.padID = t.eosID
	}
	return t, nil
}

// Encode converts text into token ids without adding special tokens.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.tk.EncodeSingle(text)
	if err != nil {
		return nil, errors.Wrap(err, "encoding text")
	}
	ids := make([]int, len(enc.Ids))
	copy(ids, enc.Ids)
	return ids, nil
}

// Decode converts token ids back into text, dropping special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	return t.tk.Decode(ids, true)
}

// VocabSize returns the vocabulary size including special tokens.
func (t *Tokenizer) VocabSize() int { return t.vocabSize }

// EOSID returns the end-of-sequence token id, or -1 when none is declared.
func (t *Tokenizer) EOSID() int { return t.eosID }

// PadID returns the padding token id, falling back to EOS.
func (t *Tokenizer) PadID() int { return t.padID }

// Truncate keeps at most max leading tokens.
func Truncate(ids []int, max int) []int {
	if max <= 0 || len(ids) <= max {
		return ids
	}
	return ids[:max]
}

type tokenizerConfigFile struct {
	EOSToken json.RawMessage `json:"eos_token"`
	PadToken json.RawMessage `json:"pad_token"`
}

// readSpecialTokens parses eos/pad declarations, which are either plain
// strings or AddedToken objects with a "content" field.
func readSpecialTokens(path string) (eos, pad string, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return "", "", nil
		}
		return "", "", errors.Wrapf(readErr, "reading %s", path)
	}
	var cfg tokenizerConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", "", errors.Wrapf(err, "parsing %s", path)
	}
	return decodeTokenField(cfg.EOSToken), decodeTokenField(cfg.PadToken), nil
}

func decodeTokenField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Content
	}
	return ""
}
