package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// Downsample halves the spatial resolution with a strided 3x3 convolution,
// keeping the channel count. Height and width must be even.
type Downsample struct {
	ctx      *context.Context
	channels int
}

// NewDownsample creates a downsampling layer for feature maps with the given
// channel count.
func NewDownsample(ctx *context.Context, channels int) *Downsample {
	return &Downsample{ctx: ctx, channels: channels}
}

// Apply maps [batch, height, width, channels] to
// [batch, height/2, width/2, channels].
func (d *Downsample) Apply(x *Node) *Node {
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	if dims[1]%2 != 0 || dims[2]%2 != 0 {
		exceptions.Panicf("downsampling requires even spatial dimensions, got input shaped %s", x.Shape())
	}
	return layers.Convolution(d.ctx, x).
		Filters(d.channels).KernelSize(3).PadSame().Strides(2).Done()
}

// Upsample doubles the spatial resolution with nearest-neighbor interpolation
// followed by a 3x3 convolution. The interpolation step can be skipped
// (upscale=false) when the decoder determines the next skip connection
// already lives at the current resolution, leaving only the convolution.
type Upsample struct {
	ctx      *context.Context
	channels int
}

// NewUpsample creates an upsampling layer for feature maps with the given
// channel count.
func NewUpsample(ctx *context.Context, channels int) *Upsample {
	return &Upsample{ctx: ctx, channels: channels}
}

// Apply maps [batch, height, width, channels] to
// [batch, 2*height, 2*width, channels] when upscale is true, or applies only
// the convolution when false.
func (u *Upsample) Apply(x *Node, upscale bool) *Node {
	x.AssertRank(4)
	if upscale {
		dims := x.Shape().Dimensions
		x = Interpolate(x, -1, 2*dims[1], 2*dims[2], -1).Nearest().Done()
	}
	return layers.Convolution(u.ctx, x).
		Filters(u.channels).KernelSize(3).PadSame().Done()
}
