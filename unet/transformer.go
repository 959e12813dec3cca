package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"

	"github.com/gomlx/latentdiffusion/nn"
)

// TransformerBlock attends over the spatial positions of its input: the
// feature map is group-normalized, projected by a 1x1 conv, flattened to a
// token sequence of height*width tokens, run through pre-norm self-attention,
// cross-attention to the conditioning sequence and a GeGLU feed-forward (each
// with its own residual), then unflattened, projected back by a 1x1 conv and
// added to the block input.
type TransformerBlock struct {
	ctx       *context.Context
	channels  int
	numHeads  int
	condDim   int
	numGroups int
	recompute bool

	selfAttention  *nn.Attention
	crossAttention *nn.Attention
}

// NewTransformerBlock creates a transformer block over feature maps with the
// given channel count. It panics if channels is not divisible by numHeads.
func NewTransformerBlock(ctx *context.Context, channels, numHeads, condDim, numGroups int, lora nn.LoRA) *TransformerBlock {
	return &TransformerBlock{
		ctx:            ctx,
		channels:       channels,
		numHeads:       numHeads,
		condDim:        condDim,
		numGroups:      numGroups,
		selfAttention:  nn.NewAttention(ctx.In("self_attention"), numHeads, channels, 0, lora),
		crossAttention: nn.NewAttention(ctx.In("cross_attention"), numHeads, channels, condDim, lora),
	}
}

// Attentions returns the block's self- and cross-attention units.
func (t *TransformerBlock) Attentions() []*nn.Attention {
	return []*nn.Attention{t.selfAttention, t.crossAttention}
}

// SetRecompute marks whether training drivers should recompute this block's
// activations during the backward pass instead of keeping them resident.
// The flag is advisory: the forward computation is identical either way.
// Idempotent.
func (t *TransformerBlock) SetRecompute(enabled bool) { t.recompute = enabled }

// Recompute reports the activation-recomputation flag.
func (t *TransformerBlock) Recompute() bool { return t.recompute }

// Apply runs the block on x, shaped [batch, height, width, channels],
// preserving the shape. cond is the conditioning sequence
// [batch, tokens, condDim].
func (t *TransformerBlock) Apply(x, timeEmbed, cond *Node) *Node {
	_ = timeEmbed
	ctx := t.ctx
	x.AssertRank(4)
	dims := x.Shape().Dimensions
	if dims[3] != t.channels {
		exceptions.Panicf("transformer block built for %d channels, got input shaped %s", t.channels, x.Shape())
	}
	blockInput := x

	x = nn.GroupNormalization(ctx.In("norm"), x, t.numGroups).Done()
	x = layers.Convolution(ctx.In("projection_in"), x).Filters(t.channels).KernelSize(1).Done()
	tokens := Reshape(x, dims[0], dims[1]*dims[2], t.channels)
	tokens = t.attend(tokens, cond)
	x = Reshape(tokens, dims[0], dims[1], dims[2], t.channels)
	x = layers.Convolution(ctx.In("projection_out"), x).Filters(t.channels).KernelSize(1).Done()
	return Add(x, blockInput)
}

// attend runs the pre-norm attention sandwich on the flattened tokens.
func (t *TransformerBlock) attend(tokens, cond *Node) *Node {
	ctx := t.ctx

	residual := tokens
	x := layers.LayerNormalization(ctx.In("norm_0"), tokens, -1).Epsilon(1e-5).Done()
	x = t.selfAttention.Apply(x, nil)
	tokens = Add(x, residual)

	residual = tokens
	x = layers.LayerNormalization(ctx.In("norm_1"), tokens, -1).Epsilon(1e-5).Done()
	x = t.crossAttention.Apply(x, cond)
	tokens = Add(x, residual)

	residual = tokens
	x = layers.LayerNormalization(ctx.In("norm_2"), tokens, -1).Epsilon(1e-5).Done()
	ffnCtx := ctx.In("ffn")
	x = nn.GeGLU(ffnCtx, x, 4*t.channels)
	x = layers.Dense(ffnCtx.In("output"), x, true, t.channels)
	return Add(x, residual)
}
