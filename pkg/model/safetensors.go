package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/x448/float16"
)

// Tensor is a dense row-major tensor promoted to float64 on load.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NumElements returns the product of the tensor's dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type safetensorsEntry struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

const maxHeaderSize = 100 * 1024 * 1024

// LoadSafetensors reads a safetensors file: an 8-byte little-endian header
// length, a JSON header mapping tensor names to dtype/shape/offsets, then the
// packed tensor buffer. F64, F32, F16 and BF16 payloads are promoted to
// float64.
func LoadSafetensors(fs afero.Fs, path string) (map[string]*Tensor, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading safetensors file %s", path)
	}
	if len(raw) < 8 {
		return nil, errors.Errorf("safetensors file %s too short (%d bytes)", path, len(raw))
	}

	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderSize || 8+int(headerLen) > len(raw) {
		return nil, errors.Errorf("safetensors file %s has invalid header length %d", path, headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, errors.Wrapf(err, "parsing safetensors header of %s", path)
	}

	buf := raw[8+headerLen:]
	tensors := make(map[string]*Tensor, len(header))
	for name, rawEntry := range header {
		if name == "__metadata__" {
			continue
		}
		var entry safetensorsEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			return nil, errors.Wrapf(err, "parsing safetensors entry %q", name)
		}
		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if start < 0 || end < start || end > len(buf) {
			return nil, errors.Errorf("tensor %q has out-of-range offsets [%d, %d)", name, start, end)
		}
		data, err := decodeTensorData(entry.Dtype, buf[start:end])
		if err != nil {
			return nil, errors.Wrapf(err, "decoding tensor %q", name)
		}
		t := &Tensor{Shape: entry.Shape, Data: data}
		if t.NumElements() != len(data) {
			return nil, errors.Errorf("tensor %q shape %v does not match %d elements", name, entry.Shape, len(data))
		}
		tensors[name] = t
	}
	return tensors, nil
}

func decodeTensorData(dtype string, buf []byte) ([]float64, error) {
	switch dtype {
	case "F64":
		n := len(buf) / 8
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return out, nil
	case "F32":
		n := len(buf) / 4
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		}
		return out, nil
	case "F16":
		n := len(buf) / 2
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32())
		}
		return out, nil
	case "BF16":
		n := len(buf) / 2
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			bits := uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16
			out[i] = float64(math.Float32frombits(bits))
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported safetensors dtype %q", dtype)
	}
}

// SaveSafetensors writes tensors as an F32 safetensors file. Entries are laid
// out in sorted name order so output is deterministic.
func SaveSafetensors(fs afero.Fs, path string, tensors map[string]*Tensor, metadata map[string]string) error {
	return SaveSafetensorsAs(fs, path, tensors, metadata, "F32")
}

// SaveSafetensorsAs is SaveSafetensors with an explicit storage dtype, either
// "F32" or "F64". F64 keeps optimizer moments exact across a resume.
func SaveSafetensorsAs(fs afero.Fs, path string, tensors map[string]*Tensor, metadata map[string]string, dtype string) error {
	var width int
	switch dtype {
	case "F32":
		width = 4
	case "F64":
		width = 8
	default:
		return errors.Errorf("unsupported safetensors storage dtype %q", dtype)
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := t.NumElements() * width
		header[name] = safetensorsEntry{
			Dtype:       dtype,
			Shape:       t.Shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encoding safetensors header")
	}

	var buf bytes.Buffer
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(headerJSON)))
	buf.Write(lenBytes[:])
	buf.Write(headerJSON)

	var scratch [8]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			if width == 4 {
				binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(float32(v)))
			} else {
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			}
			buf.Write(scratch[:width])
		}
	}

	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing safetensors file %s", path)
	}
	return nil
}
