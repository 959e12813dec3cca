// Package weights reads model checkpoints in the safetensors format and
// assigns them strictly into the variables of a GoMLX context.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// safetensors container layout: an 8-byte little-endian header length, a JSON
// header mapping tensor name -> {dtype, shape, data_offsets}, then the raw
// tensor payload. Offsets are relative to the end of the header.
type tensorEntry struct {
	DType       string    `json:"dtype"`
	Shape       []int     `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// ReadSafetensors reads every tensor of a safetensors file into host tensors,
// keyed by their checkpoint names. F16 and BF16 payloads are converted to
// float32; F32 is taken as is. Other dtypes are rejected.
func ReadSafetensors(path string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open safetensors file %q", path)
	}
	defer func() { _ = file.Close() }()

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors header size from %q", path)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors header (%d bytes) from %q", headerSize, path)
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, errors.Wrapf(err, "failed to parse safetensors header of %q", path)
	}
	delete(rawHeader, "__metadata__")

	payload, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors payload of %q", path)
	}

	result := make(map[string]*tensors.Tensor, len(rawHeader))
	for name, raw := range rawHeader {
		var entry tensorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header entry for tensor %q in %q", name, path)
		}
		tensor, err := decodeTensor(name, entry, payload)
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading %q", path)
		}
		result[name] = tensor
	}
	klog.V(1).Infof("read %d tensors from %s", len(result), path)
	return result, nil
}

func decodeTensor(name string, entry tensorEntry, payload []byte) (*tensors.Tensor, error) {
	start, end := entry.DataOffsets[0], entry.DataOffsets[1]
	if start > end || end > uint64(len(payload)) {
		return nil, errors.Errorf("tensor %q has data offsets [%d, %d) outside the %d-byte payload",
			name, start, end, len(payload))
	}
	data := payload[start:end]

	numElements := 1
	for _, dim := range entry.Shape {
		if dim <= 0 {
			return nil, errors.Errorf("tensor %q has invalid shape %v", name, entry.Shape)
		}
		numElements *= dim
	}

	var values []float32
	switch entry.DType {
	case "F32":
		if len(data) != 4*numElements {
			return nil, errors.Errorf("tensor %q: F32 shape %v needs %d bytes, data holds %d",
				name, entry.Shape, 4*numElements, len(data))
		}
		values = make([]float32, numElements)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case "F16":
		if len(data) != 2*numElements {
			return nil, errors.Errorf("tensor %q: F16 shape %v needs %d bytes, data holds %d",
				name, entry.Shape, 2*numElements, len(data))
		}
		values = make([]float32, numElements)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	case "BF16":
		if len(data) != 2*numElements {
			return nil, errors.Errorf("tensor %q: BF16 shape %v needs %d bytes, data holds %d",
				name, entry.Shape, 2*numElements, len(data))
		}
		values = bfloat16.DecodeFloat32(data)
	default:
		return nil, errors.Errorf("tensor %q has unsupported dtype %q (supported: F32, F16, BF16)",
			name, entry.DType)
	}

	if len(entry.Shape) == 0 {
		return tensors.FromFlatDataAndDimensions(values), nil
	}
	return tensors.FromFlatDataAndDimensions(values, entry.Shape...), nil
}
