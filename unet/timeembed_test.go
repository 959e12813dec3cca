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

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSinusoidalTimeEmbeddingAtZero(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(g *Graph) *Node {
		return SinusoidalTimeEmbedding(Const(g, []int32{0}), 16, dtypes.Float32)
	})
	embed := exec.Call()[0].Value().([][]float32)
	require.Len(t, embed, 1)
	require.Len(t, embed[0], 16)
	// Angles are all zero at t=0: the cosine half is 1, the sine half is 0.
	for i := 0; i < 8; i++ {
		assert.InDelta(t, 1.0, float64(embed[0][i]), 1e-6, "cos feature %d", i)
	}
	for i := 8; i < 16; i++ {
		assert.InDelta(t, 0.0, float64(embed[0][i]), 1e-6, "sin feature %d", i)
	}
}

func TestSinusoidalTimeEmbeddingDistinctness(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	timesteps := []int32{0, 1, 2, 3, 10, 100, 250, 500, 750, 999}
	exec := NewExec(backend, func(g *Graph) *Node {
		return SinusoidalTimeEmbedding(Const(g, timesteps), 32, dtypes.Float32)
	})
	embeds := exec.Call()[0].Value().([][]float32)
	require.Len(t, embeds, len(timesteps))
	for i := 0; i < len(timesteps); i++ {
		for j := i + 1; j < len(timesteps); j++ {
			assert.NotEqual(t, embeds[i], embeds[j],
				"timesteps %d and %d produced identical embeddings", timesteps[i], timesteps[j])
		}
	}
}

func TestTimeEmbeddingShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	embedding := NewTimeEmbedding(ctx.In("time_embedding"), 32, dtypes.Float32)
	assert.Equal(t, 128, embedding.OutputDim())

	g := NewGraph(backend, "test")
	out := embedding.Apply(Zeros(g, shapes.Make(dtypes.Int32, 5)))
	assert.NoError(t, out.Shape().CheckDims(5, 128))

	require.Panics(t, func() {
		NewTimeEmbedding(ctx.In("odd"), 33, dtypes.Float32)
	}, "odd embedding dimensions cannot be split into cos/sin halves")
}
