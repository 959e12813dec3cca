package nn

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A freshly enabled adapter has a zero-initialized up-projection, so it must
// not change the projection output.
func TestLoRAFreshAdapterIsTransparent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx = ctx.WithInitializer(initializers.XavierNormalFn(ctx))
	proj := NewLinearProjection(ctx.In("projection"), 16, true, LoRA{Rank: 4, Alpha: 4})
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 2, 5, 8))
		proj.SetLoRAActive(false)
		plain := proj.Apply(x)
		proj.SetLoRAActive(true)
		adapted := proj.Apply(x)
		return ReduceAllMax(Abs(Sub(plain, adapted)))
	})
	maxDiff := exec.Call()[0].Value().(float32)
	assert.Zero(t, maxDiff, "zero-initialized adapter changed the output by %g", maxDiff)

	downVar := ctx.InspectVariable("/projection/lora", "down")
	require.NotNil(t, downVar)
	assert.Equal(t, []int{8, 4}, downVar.Shape().Dimensions)
	upVar := ctx.InspectVariable("/projection/lora", "up")
	require.NotNil(t, upVar)
	assert.Equal(t, []int{4, 16}, upVar.Shape().Dimensions)
}

func TestLoRAInactiveCreatesNoAdapterVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	proj := NewLinearProjection(ctx.In("projection"), 16, false, LoRA{})
	g := NewGraph(backend, "test")
	out := proj.Apply(Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 8)))
	assert.NoError(t, out.Shape().CheckDims(1, 3, 16))
	assert.Nil(t, ctx.InspectVariable("/projection/lora", "down"))
	assert.Nil(t, ctx.InspectVariable("/projection/lora", "up"))
	assert.Nil(t, ctx.InspectVariable("/projection/dense", "biases"))
}

func TestLoRARankValidation(t *testing.T) {
	ctx := context.New()
	require.Panics(t, func() {
		NewLinearProjection(ctx.In("bad"), 16, true, LoRA{Active: true, Rank: 0})
	})
	proj := NewLinearProjection(ctx.In("projection"), 16, true, LoRA{})
	require.Panics(t, func() {
		proj.SetLoRAActive(true)
	}, "activating an adapter with no rank configured must panic")
}
