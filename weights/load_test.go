package weights

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableName(t *testing.T) {
	ctx := context.New()
	v := ctx.In("model").In("encoder").In("conv").VariableWithShape("weights", shapes.Make(dtypes.Float32, 3, 3))
	assert.Equal(t, "model.encoder.conv.weights", VariableName(v))

	root := ctx.VariableWithShape("bias", shapes.Make(dtypes.Float32, 1))
	assert.Equal(t, "bias", VariableName(root))
}

func TestLoadInto(t *testing.T) {
	ctx := context.New()
	weights := ctx.In("block").VariableWithShape("weights", shapes.Make(dtypes.Float32, 2, 2))
	ctx.In("block").VariableWithShape("biases", shapes.Make(dtypes.Float32, 2))

	params := map[string]*tensors.Tensor{
		"block.weights": tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		"block.biases":  tensors.FromValue([]float32{5, 6}),
		"unrelated":     tensors.FromValue([]float32{0}), // Ignored with a warning.
	}
	require.NoError(t, LoadInto(ctx, params))
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, weights.Value().Value())
}

func TestLoadIntoMissingParameter(t *testing.T) {
	ctx := context.New()
	ctx.In("block").VariableWithShape("weights", shapes.Make(dtypes.Float32, 2, 2))
	err := LoadInto(ctx, map[string]*tensors.Tensor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block.weights")
}

func TestLoadIntoShapeMismatch(t *testing.T) {
	ctx := context.New()
	ctx.In("block").VariableWithShape("weights", shapes.Make(dtypes.Float32, 2, 2))
	err := LoadInto(ctx, map[string]*tensors.Tensor{
		"block.weights": tensors.FromValue([]float32{1, 2, 3}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block.weights")
}
