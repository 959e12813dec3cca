package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// SinusoidalTimeEmbedding maps integer diffusion timesteps, shaped [batch],
// to [batch, dim] sinusoidal features: frequencies 10000^(-i/(dim/2)) for
// i in [0, dim/2), with the cosine half first and the sine half second.
//
// dim must be even.
func SinusoidalTimeEmbedding(timesteps *Node, dim int, dtype dtypes.DType) *Node {
	if dim <= 0 || dim%2 != 0 {
		exceptions.Panicf("sinusoidal time embedding requires a positive even dimension, got %d", dim)
	}
	timesteps.AssertRank(1)
	g := timesteps.Graph()
	half := dim / 2

	// freqs[i] = 10000^(-i/half) = exp(-ln(10000)*i/half)
	freqs := Exp(MulScalar(IotaFull(g, shapes.Make(dtype, half)), -math.Log(10000)/float64(half)))
	angles := Mul(
		InsertAxes(ConvertDType(timesteps, dtype), -1),
		InsertAxes(freqs, 0))
	return Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
}

// TimeEmbedding turns timesteps into the conditioning vector injected into
// every residual block: sinusoidal features of embedDim channels followed by
// a two-layer feed-forward expanding to 4*embedDim.
type TimeEmbedding struct {
	ctx      *context.Context
	embedDim int
	dtype    dtypes.DType
}

// NewTimeEmbedding creates the time-embedding head. embedDim must be even.
func NewTimeEmbedding(ctx *context.Context, embedDim int, dtype dtypes.DType) *TimeEmbedding {
	if embedDim <= 0 || embedDim%2 != 0 {
		exceptions.Panicf("NewTimeEmbedding requires a positive even embedDim, got %d", embedDim)
	}
	return &TimeEmbedding{ctx: ctx, embedDim: embedDim, dtype: dtype}
}

// OutputDim returns the number of channels of the embedding fed to the
// residual blocks.
func (e *TimeEmbedding) OutputDim() int { return 4 * e.embedDim }

// Apply embeds timesteps, shaped [batch], into [batch, 4*embedDim].
func (e *TimeEmbedding) Apply(timesteps *Node) *Node {
	embed := SinusoidalTimeEmbedding(timesteps, e.embedDim, e.dtype)
	embed = layers.Dense(e.ctx.In("linear_0"), embed, true, 4*e.embedDim)
	embed = activations.Swish(embed)
	return layers.Dense(e.ctx.In("linear_1"), embed, true, 4*e.embedDim)
}
