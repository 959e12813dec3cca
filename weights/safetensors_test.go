package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// writeSafetensors assembles a minimal safetensors file: JSON header entries
// in the given order, then the concatenated payloads.
func writeSafetensors(t *testing.T, names []string, entries map[string]tensorEntry, payload []byte) string {
	t.Helper()
	header := "{"
	for i, name := range names {
		entryJSON, err := json.Marshal(entries[name])
		require.NoError(t, err)
		if i > 0 {
			header += ","
		}
		header += fmt.Sprintf("%q:%s", name, entryJSON)
	}
	header += "}"

	path := filepath.Join(t.TempDir(), "model.safetensors")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint64(len(header))))
	_, err = file.WriteString(header)
	require.NoError(t, err)
	_, err = file.Write(payload)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	return path
}

func TestReadSafetensors(t *testing.T) {
	// Payload: one F32 [2,3] tensor followed by one F16 [4] tensor.
	f32Values := []float32{0, 1, 2, 3, 4, 5}
	f16Values := []float32{-1, 0.5, 2, 100}
	var payload []byte
	for _, v := range f32Values {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	for _, v := range f16Values {
		payload = binary.LittleEndian.AppendUint16(payload, float16.Fromfloat32(v).Bits())
	}

	path := writeSafetensors(t,
		[]string{"encoder.conv.weights", "encoder.conv.biases"},
		map[string]tensorEntry{
			"encoder.conv.weights": {DType: "F32", Shape: []int{2, 3}, DataOffsets: [2]uint64{0, 24}},
			"encoder.conv.biases":  {DType: "F16", Shape: []int{4}, DataOffsets: [2]uint64{24, 32}},
		}, payload)

	params, err := ReadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, params, 2)

	weights := params["encoder.conv.weights"]
	require.NotNil(t, weights)
	assert.Equal(t, []int{2, 3}, weights.Shape().Dimensions)
	assert.Equal(t, [][]float32{{0, 1, 2}, {3, 4, 5}}, weights.Value())

	biases := params["encoder.conv.biases"]
	require.NotNil(t, biases)
	assert.Equal(t, f16Values, biases.Value())
}

func TestReadSafetensorsBF16(t *testing.T) {
	values := []float32{1, -2, 0.25}
	var payload []byte
	for _, v := range values {
		// BF16 keeps the upper 16 bits of the float32 representation.
		payload = binary.LittleEndian.AppendUint16(payload, uint16(math.Float32bits(v)>>16))
	}
	path := writeSafetensors(t,
		[]string{"scale"},
		map[string]tensorEntry{
			"scale": {DType: "BF16", Shape: []int{3}, DataOffsets: [2]uint64{0, 6}},
		}, payload)

	params, err := ReadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, values, params["scale"].Value())
}

func TestReadSafetensorsRejectsBadInput(t *testing.T) {
	// Unsupported dtype.
	path := writeSafetensors(t,
		[]string{"x"},
		map[string]tensorEntry{
			"x": {DType: "I64", Shape: []int{1}, DataOffsets: [2]uint64{0, 8}},
		}, make([]byte, 8))
	_, err := ReadSafetensors(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dtype")

	// Offsets beyond the payload.
	path = writeSafetensors(t,
		[]string{"x"},
		map[string]tensorEntry{
			"x": {DType: "F32", Shape: []int{4}, DataOffsets: [2]uint64{0, 16}},
		}, make([]byte, 8))
	_, err = ReadSafetensors(path)
	require.Error(t, err)

	// Payload size disagrees with the shape.
	path = writeSafetensors(t,
		[]string{"x"},
		map[string]tensorEntry{
			"x": {DType: "F32", Shape: []int{4}, DataOffsets: [2]uint64{0, 8}},
		}, make([]byte, 8))
	_, err = ReadSafetensors(path)
	require.Error(t, err)
}

func TestReadSafetensorsIgnoresMetadata(t *testing.T) {
	header := `{"__metadata__":{"format":"pt"},"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`
	path := filepath.Join(t.TempDir(), "model.safetensors")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, binary.Write(file, binary.LittleEndian, uint64(len(header))))
	_, err = file.WriteString(header)
	require.NoError(t, err)
	_, err = file.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(7)))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	params, err := ReadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, []float32{7}, params["x"].Value())
}
