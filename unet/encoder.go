package unet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// layersPerEncoderStage is the number of skip-producing layer groups in each
// encoder stage. The decoder mirrors it with one extra group consuming the
// stage's downsample (or conv_in) activation.
const layersPerEncoderStage = 2

type encoderStage struct {
	groups     [][]Layer
	downsample *Downsample
}

// Encoder is the contracting half of the UNet. It opens with a 3x3 conv to
// BaseChannels, then runs one stage per channel multiplier: every stage except
// the last holds two [residual, transformer] layer groups followed by a
// strided downsample; the last stage holds two residual-only groups and keeps
// its resolution. The conv_in output, every group output and every downsample
// output are pushed onto the skip stack.
type Encoder struct {
	ctx          *context.Context
	config       *Config
	stages       []*encoderStage
	transformers []*TransformerBlock
}

// NewEncoder builds the encoder for the given configuration.
func NewEncoder(ctx *context.Context, config *Config) *Encoder {
	e := &Encoder{ctx: ctx, config: config}
	numStages := len(config.ChannelMultipliers)
	inChannels := config.BaseChannels
	for stageIdx, mult := range config.ChannelMultipliers {
		stageCtx := ctx.Inf("stage_%d", stageIdx)
		outChannels := config.BaseChannels * mult
		innermost := stageIdx == numStages-1
		stage := &encoderStage{}
		for layerIdx := 0; layerIdx < layersPerEncoderStage; layerIdx++ {
			groupCtx := stageCtx.Inf("layer_%d", layerIdx)
			group := []Layer{
				NewResBlock(groupCtx.In("residual"), inChannels, outChannels, config.NumGroups),
			}
			if !innermost {
				transformer := NewTransformerBlock(groupCtx.In("transformer"),
					outChannels, config.NumHeads, config.CondDim, config.NumGroups, config.loRA())
				group = append(group, transformer)
				e.transformers = append(e.transformers, transformer)
			}
			stage.groups = append(stage.groups, group)
			inChannels = outChannels
		}
		if !innermost {
			stage.downsample = NewDownsample(stageCtx.In("downsample"), outChannels)
		}
		e.stages = append(e.stages, stage)
	}
	return e
}

// OutputChannels returns the channel count of the encoder output, which the
// bottleneck operates on.
func (e *Encoder) OutputChannels() int {
	mults := e.config.ChannelMultipliers
	return e.config.BaseChannels * mults[len(mults)-1]
}

// Transformers returns the transformer blocks the encoder created.
func (e *Encoder) Transformers() []*TransformerBlock { return e.transformers }

// Apply runs the encoder on x, shaped [batch, height, width, inChannels],
// pushing skip activations as it contracts. It returns the deepest feature
// map.
func (e *Encoder) Apply(x, timeEmbed, cond *Node, skips *SkipStack) *Node {
	x = layers.Convolution(e.ctx.In("conv_in"), x).
		Filters(e.config.BaseChannels).KernelSize(3).PadSame().Done()
	skips.Push(x)
	for _, stage := range e.stages {
		for _, group := range stage.groups {
			for _, layer := range group {
				x = layer.Apply(x, timeEmbed, cond)
			}
			skips.Push(x)
		}
		if stage.downsample != nil {
			x = stage.downsample.Apply(x)
			skips.Push(x)
		}
	}
	return x
}
