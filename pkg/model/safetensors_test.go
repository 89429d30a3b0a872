package model

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	tensors := map[string]*Tensor{
		"wte.weight": {Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		"ln.bias":    {Shape: []int{3}, Data: []float64{-0.5, 0, 0.5}},
	}

	require.NoError(t, SaveSafetensors(fs, "/model.safetensors", tensors, map[string]string{"format": "pt"}))

	loaded, err := LoadSafetensors(fs, "/model.safetensors")
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	for name, want := range tensors {
		got, ok := loaded[name]
		require.True(t, ok, "missing tensor %s", name)
		assert.Equal(t, want.Shape, got.Shape)
		for i := range want.Data {
			// Storage is float32, so compare at float32 precision.
			assert.InDelta(t, want.Data[i], got.Data[i], 1e-6)
		}
	}
}

func TestSaveSafetensorsAsF64(t *testing.T) {
	fs := afero.NewMemMapFs()
	tensors := map[string]*Tensor{
		"m.0": {Shape: []int{2}, Data: []float64{math.Pi, -1e-12}},
	}

	require.NoError(t, SaveSafetensorsAs(fs, "/opt.safetensors", tensors, nil, "F64"))

	loaded, err := LoadSafetensors(fs, "/opt.safetensors")
	require.NoError(t, err)
	// F64 storage is lossless.
	assert.Equal(t, tensors["m.0"].Data, loaded["m.0"].Data)

	require.Error(t, SaveSafetensorsAs(fs, "/bad.safetensors", tensors, nil, "F16"))
}

// writeRawSafetensors builds a file by hand so the reader can be exercised
// against dtypes the writer doesn't emit.
func writeRawSafetensors(t *testing.T, fs afero.Fs, path, dtype string, shape []int, payload []byte) {
	t.Helper()
	header := map[string]interface{}{
		"x": safetensorsEntry{Dtype: dtype, Shape: shape, DataOffsets: [2]int{0, len(payload)}},
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	buf := make([]byte, 8, 8+len(headerJSON)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, payload...)
	require.NoError(t, afero.WriteFile(fs, path, buf, 0o644))
}

func TestLoadSafetensorsF16(t *testing.T) {
	fs := afero.NewMemMapFs()
	vals := []float64{1.5, -0.25, 0}
	payload := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(payload[i*2:], float16.Fromfloat32(float32(v)).Bits())
	}
	writeRawSafetensors(t, fs, "/f16.safetensors", "F16", []int{3}, payload)

	loaded, err := LoadSafetensors(fs, "/f16.safetensors")
	require.NoError(t, err)
	for i, v := range vals {
		assert.InDelta(t, v, loaded["x"].Data[i], 1e-3)
	}
}

func TestLoadSafetensorsBF16(t *testing.T) {
	fs := afero.NewMemMapFs()
	vals := []float32{2.0, -1.0, 0.5}
	payload := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(math.Float32bits(v)>>16))
	}
	writeRawSafetensors(t, fs, "/bf16.safetensors", "BF16", []int{3}, payload)

	loaded, err := LoadSafetensors(fs, "/bf16.safetensors")
	require.NoError(t, err)
	for i, v := range vals {
		// bf16 has 8 mantissa bits; these values are exactly representable.
		assert.Equal(t, float64(v), loaded["x"].Data[i])
	}
}

func TestLoadSafetensorsErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := LoadSafetensors(fs, "/missing.safetensors")
	require.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/short.safetensors", []byte{1, 2, 3}, 0o644))
	_, err = LoadSafetensors(fs, "/short.safetensors")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")

	// Header length pointing past the end of the file.
	bad := make([]byte, 16)
	binary.LittleEndian.PutUint64(bad, 1<<40)
	require.NoError(t, afero.WriteFile(fs, "/badheader.safetensors", bad, 0o644))
	_, err = LoadSafetensors(fs, "/badheader.safetensors")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid header length")

	writeRawSafetensors(t, fs, "/baddtype.safetensors", "I64", []int{1}, make([]byte, 8))
	_, err = LoadSafetensors(fs, "/baddtype.safetensors")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported safetensors dtype")

	// Shape disagreeing with the payload size.
	writeRawSafetensors(t, fs, "/badshape.safetensors", "F32", []int{5}, make([]byte, 8))
	_, err = LoadSafetensors(fs, "/badshape.safetensors")
	require.Error(t, err)
}

func TestSaveSafetensorsMetadataIgnoredOnLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	tensors := map[string]*Tensor{"w": {Shape: []int{1}, Data: []float64{42}}}
	require.NoError(t, SaveSafetensors(fs, "/m.safetensors", tensors, map[string]string{"source": "test"}))

	loaded, err := LoadSafetensors(fs, "/m.safetensors")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 42.0, loaded["w"].Data[0])
}
