package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"

	"github.com/gomlx/latentdiffusion/nn"
)

// ResBlock is the residual convolution block of the UNet. It runs two
// GroupNorm -> SiLU -> conv3x3 stages, injects a linear projection of the
// time embedding between them (broadcast over space), and adds the input back
// at the end -- through a 1x1 projection when the channel counts differ,
// unchanged otherwise.
type ResBlock struct {
	ctx                     *context.Context
	inChannels, outChannels int
	numGroups               int
}

// NewResBlock creates a residual block converting inChannels to outChannels.
func NewResBlock(ctx *context.Context, inChannels, outChannels, numGroups int) *ResBlock {
	if inChannels <= 0 || outChannels <= 0 {
		exceptions.Panicf("NewResBlock requires positive channel counts, got in=%d out=%d", inChannels, outChannels)
	}
	return &ResBlock{
		ctx:         ctx,
		inChannels:  inChannels,
		outChannels: outChannels,
		numGroups:   numGroups,
	}
}

// Apply runs the block on x, shaped [batch, height, width, inChannels], and
// returns [batch, height, width, outChannels]. cond is ignored.
func (r *ResBlock) Apply(x, timeEmbed, cond *Node) *Node {
	_ = cond
	ctx := r.ctx
	x.AssertRank(4)
	if x.Shape().Dimensions[3] != r.inChannels {
		exceptions.Panicf("residual block built for %d input channels, got input shaped %s",
			r.inChannels, x.Shape())
	}
	timeEmbed.AssertRank(2)

	h := nn.GroupNormalization(ctx.In("norm_0"), x, r.numGroups).Done()
	h = activations.Swish(h)
	h = layers.Convolution(ctx.In("conv_0"), h).Filters(r.outChannels).KernelSize(3).PadSame().Done()

	// Time conditioning, one bias per output channel, broadcast over space.
	t := activations.Swish(timeEmbed)
	t = layers.Dense(ctx.In("time_projection"), t, true, r.outChannels)
	h = Add(h, InsertAxes(t, 1, 1))

	h = nn.GroupNormalization(ctx.In("norm_1"), h, r.numGroups).Done()
	h = activations.Swish(h)
	h = layers.Convolution(ctx.In("conv_1"), h).Filters(r.outChannels).KernelSize(3).PadSame().Done()

	residual := x
	if r.inChannels != r.outChannels {
		residual = layers.Convolution(ctx.In("shortcut"), x).Filters(r.outChannels).KernelSize(1).Done()
	}
	return Add(h, residual)
}
