package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2, 3}, Truncate(ids, 3))
	assert.Equal(t, ids, Truncate(ids, 5))
	assert.Equal(t, ids, Truncate(ids, 10))
	assert.Equal(t, ids, Truncate(ids, 0))
	assert.Equal(t, ids, Truncate(ids, -1))
	assert.Empty(t, Truncate(nil, 3))
}

func TestDecodeTokenField(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"plain string", `"<|endoftext|>"`, "<|endoftext|>"},
		{"added token object", `{"content": "</s>", "lstrip": false}`, "</s>"},
		{"empty", ``, ""},
		{"null", `null`, ""},
		{"unexpected array", `[1, 2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, decodeTokenField([]byte(tt.raw)))
		})
	}
}

func TestReadSpecialTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, TokenizerConfigFileName)

	// Missing file is not an error; GPT-2 snapshots without the config
	// simply have no declared specials.
	eos, pad, err := readSpecialTokens(path)
	require.NoError(t, err)
	assert.Empty(t, eos)
	assert.Empty(t, pad)

	require.NoError(t, os.WriteFile(path, []byte(`{
		"eos_token": "<|endoftext|>",
		"pad_token": {"content": "<pad>"}
	}`), 0o644))
	eos, pad, err = readSpecialTokens(path)
	require.NoError(t, err)
	assert.Equal(t, "<|endoftext|>", eos)
	assert.Equal(t, "<pad>", pad)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, _, err = readSpecialTokens(path)
	require.Error(t, err)
}

func TestFromSnapshotMissingTokenizer(t *testing.T) {
	_, err := FromSnapshot(t.TempDir())
	require.Error(t, err)
}
