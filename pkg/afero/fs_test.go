package afero

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-project/kiln/pkg/logging"
)

func TestAtomicFileUpdate(t *testing.T) {
	fs := NewMemMapFs()
	log := logging.Discard()

	t.Run("writes new file", func(t *testing.T) {
		err := AtomicFileUpdate(fs, "/out", "state.json", []byte(`{"step":1}`), 0644, log)
		require.NoError(t, err)

		data, err := ReadFile(fs, "/out/state.json")
		require.NoError(t, err)
		assert.Equal(t, `{"step":1}`, string(data))
	})

	t.Run("overwrites on change", func(t *testing.T) {
		require.NoError(t, AtomicFileUpdate(fs, "/out", "state.json", []byte(`{"step":2}`), 0644, log))

		data, err := ReadFile(fs, "/out/state.json")
		require.NoError(t, err)
		assert.Equal(t, `{"step":2}`, string(data))
	})

	t.Run("no-op when content identical", func(t *testing.T) {
		err := AtomicFileUpdate(fs, "/out", "state.json", []byte(`{"step":2}`), 0644, log)
		assert.NoError(t, err)
	})
}

func TestExists(t *testing.T) {
	fs := NewMemMapFs()
	require.NoError(t, WriteFile(fs, "/data/train.jsonl", []byte("{}"), 0644))

	ok, err := Exists(fs, "/data/train.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Exists(fs, "/data/missing.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}
