package unet

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResBlockShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	block := NewResBlock(ctx.In("block"), 16, 32, 8)

	g := NewGraph(backend, "test")
	x := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 8, 16))
	timeEmbed := Zeros(g, shapes.Make(dtypes.Float32, 2, 64))
	out := block.Apply(x, timeEmbed, nil)
	assert.NoError(t, out.Shape().CheckDims(2, 8, 8, 32))
}

// When input and output channel counts match, the residual connection is the
// identity: no shortcut projection variables may be created.
func TestResBlockIdentityShortcut(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	same := NewResBlock(ctx.In("same"), 32, 32, 8)
	projected := NewResBlock(ctx.In("projected"), 16, 32, 8)

	g := NewGraph(backend, "test")
	timeEmbed := Zeros(g, shapes.Make(dtypes.Float32, 1, 64))
	same.Apply(Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 32)), timeEmbed, nil)
	projected.Apply(Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 16)), timeEmbed, nil)

	assert.Nil(t, ctx.InspectVariable("/same/shortcut/conv", "weights"))
	shortcut := ctx.InspectVariable("/projected/shortcut/conv", "weights")
	require.NotNil(t, shortcut)
	// 1x1 kernel mapping 16 -> 32 channels.
	assert.Equal(t, []int{1, 1, 16, 32}, shortcut.Shape().Dimensions)
}

func TestResBlockChannelMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	block := NewResBlock(ctx.In("block"), 16, 32, 8)
	g := NewGraph(backend, "test")
	timeEmbed := Zeros(g, shapes.Make(dtypes.Float32, 1, 64))
	require.Panics(t, func() {
		block.Apply(Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 4, 24)), timeEmbed, nil)
	})
}
