package unet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

type decoderStage struct {
	groups   [][]Layer
	upsample *Upsample
}

// Decoder is the expanding half of the UNet, mirroring the encoder from the
// deepest stage outwards. Every stage runs three layer groups; each group
// first pops one skip activation and concatenates it onto the channels axis.
// The deepest stage is residual-only, the others pair every residual block
// with a transformer block. Between stages the feature map is upsampled --
// unless the next skip to pop already lives at the resolution the stage
// started from, in which case only the upsample convolution is applied. The
// outermost stage has no upsample at all.
type Decoder struct {
	ctx          *context.Context
	config       *Config
	stages       []*decoderStage // In application order, deepest first.
	transformers []*TransformerBlock
}

// NewDecoder builds the decoder for the given configuration.
func NewDecoder(ctx *context.Context, config *Config) *Decoder {
	d := &Decoder{ctx: ctx, config: config}
	mults := config.ChannelMultipliers
	numStages := len(mults)

	// Stage input channels follow the multipliers shifted by one: the deepest
	// stage receives the bottleneck output.
	stageMults := make([]int, numStages+1)
	copy(stageMults, mults)
	stageMults[numStages] = mults[numStages-1]

	for stageIdx := numStages - 1; stageIdx >= 0; stageIdx-- {
		stageCtx := ctx.Inf("stage_%d", stageIdx)
		inChannels := config.BaseChannels * stageMults[stageIdx+1]
		outChannels := config.BaseChannels * stageMults[stageIdx]
		// Channel count of the third skip popped by this stage: the previous
		// stage's output, or conv_in's for the outermost stage.
		midChannels := config.BaseChannels
		if stageIdx > 0 {
			midChannels = config.BaseChannels * mults[stageIdx-1]
		}
		skipChannels := []int{outChannels, outChannels, midChannels}
		innermost := stageIdx == numStages-1

		stage := &decoderStage{}
		current := inChannels
		for layerIdx := 0; layerIdx < layersPerEncoderStage+1; layerIdx++ {
			groupCtx := stageCtx.Inf("layer_%d", layerIdx)
			group := []Layer{
				NewResBlock(groupCtx.In("residual"),
					current+skipChannels[layerIdx], outChannels, config.NumGroups),
			}
			if !innermost {
				transformer := NewTransformerBlock(groupCtx.In("transformer"),
					outChannels, config.NumHeads, config.CondDim, config.NumGroups, config.loRA())
				group = append(group, transformer)
				d.transformers = append(d.transformers, transformer)
			}
			stage.groups = append(stage.groups, group)
			current = outChannels
		}
		if stageIdx > 0 {
			stage.upsample = NewUpsample(stageCtx.In("upsample"), outChannels)
		}
		d.stages = append(d.stages, stage)
	}
	return d
}

// Transformers returns the transformer blocks the decoder created.
func (d *Decoder) Transformers() []*TransformerBlock { return d.transformers }

// Apply runs the decoder on the bottleneck output x, consuming skip
// activations as it expands. It returns a feature map at the input resolution
// with BaseChannels channels.
func (d *Decoder) Apply(x, timeEmbed, cond *Node, skips *SkipStack) *Node {
	for _, stage := range d.stages {
		var stageHeight, stageWidth int
		if top := skips.Peek(); top != nil {
			stageHeight = top.Shape().Dimensions[1]
			stageWidth = top.Shape().Dimensions[2]
		}
		for _, group := range stage.groups {
			skip := skips.Pop()
			x = Concatenate([]*Node{x, skip}, -1)
			for _, layer := range group {
				x = layer.Apply(x, timeEmbed, cond)
			}
		}
		if stage.upsample != nil {
			upscale := true
			if top := skips.Peek(); top != nil &&
				top.Shape().Dimensions[1] == stageHeight &&
				top.Shape().Dimensions[2] == stageWidth {
				// The next skip is still at this resolution, keep it.
				upscale = false
			}
			x = stage.upsample.Apply(x, upscale)
		}
	}
	return x
}
