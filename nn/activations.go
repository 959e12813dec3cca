// Package nn provides the neural network building blocks used by the latent
// diffusion UNet: gated activations, group normalization, linear projections
// with optional low-rank adaptation, and the self/cross attention unit.
//
// All blocks follow the GoMLX conventions: they are graph-building functions
// or small structs holding a *context.Context scope, and they panic (with
// exceptions thrown by Panicf) on invalid configurations or shapes -- GoMLX
// converts those into errors at its API boundaries.
package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// QuickGelu computes x*sigmoid(1.702*x), the cheap approximation of GELU
// used by CLIP-style text encoders and some UNet variants.
func QuickGelu(x *Node) *Node {
	return Mul(x, Sigmoid(MulScalar(x, 1.702)))
}

// Gelu is the exact Gaussian error linear unit, 0.5*x*(1+erf(x/sqrt(2))).
func Gelu(x *Node) *Node {
	return MulScalar(Mul(x, AddScalar(Erf(DivScalar(x, math.Sqrt2)), 1)), 0.5)
}

// GeGLU is the gated-GELU feed-forward unit: a single dense layer projects
// the input to 2*hiddenDim, the result is split into a value half and a gate
// half, and the output is value*Gelu(gate), shaped [..., hiddenDim].
//
// x must be rank-3, shaped [batch, tokens, channels].
func GeGLU(ctx *context.Context, x *Node, hiddenDim int) *Node {
	if hiddenDim <= 0 {
		exceptions.Panicf("GeGLU requires hiddenDim > 0, got %d", hiddenDim)
	}
	x.AssertRank(3)
	proj := layers.Dense(ctx.In("geglu"), x, true, 2*hiddenDim)
	value := Slice(proj, AxisRange(), AxisRange(), AxisRange(0, hiddenDim))
	gate := Slice(proj, AxisRange(), AxisRange(), AxisRange(hiddenDim, 2*hiddenDim))
	return Mul(value, Gelu(gate))
}
