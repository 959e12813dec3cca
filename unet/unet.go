// Package unet implements the conditional UNet used as the noise predictor of
// a latent diffusion model: a multi-resolution convolutional encoder/decoder
// with skip connections, conditioned on the diffusion timestep through
// sinusoidal embeddings and on a text-encoder sequence through cross
// attention.
//
// The model is built over a GoMLX context: create it once with New and call
// PredictNoise from any graph function. Tensors cross the public API in the
// channels-first layout [batch, channels, height, width] used by latent
// diffusion pipelines; internally the model computes channels-last, GoMLX's
// native convolution layout.
package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/latentdiffusion/nn"
)

// Config defines the UNet architecture. The zero value is not usable; start
// from NewConfig and adjust.
type Config struct {
	// InputChannels and OutputChannels of the latent maps. Both default to 4.
	InputChannels, OutputChannels int

	// BaseChannels is the channel count of the outermost stage; deeper stages
	// multiply it by ChannelMultipliers. Defaults to 320. Must be divisible
	// by NumGroups.
	BaseChannels int

	// ChannelMultipliers, one per resolution stage, outermost first.
	// Defaults to [1, 2, 4, 4].
	ChannelMultipliers []int

	// NumHeads of every attention unit. Defaults to 8. Every stage's channel
	// count must be divisible by it.
	NumHeads int

	// TimeEmbedDim is the dimension of the sinusoidal timestep features; the
	// embedding fed to the residual blocks has 4*TimeEmbedDim channels.
	// Defaults to 320. Must be even.
	TimeEmbedDim int

	// CondDim is the channel count of the conditioning sequence (e.g. 768 for
	// CLIP ViT-L/14 hidden states). Defaults to 768.
	CondDim int

	// NumGroups of every group normalization. Defaults to 32.
	NumGroups int

	// DType of the model parameters and activations. Defaults to Float32.
	DType dtypes.DType

	// UseLoRA attaches low-rank adapters (LoRARank, scaled by LoRAAlpha) to
	// every attention projection. Freshly created adapters are
	// zero-initialized and leave the output unchanged until trained.
	UseLoRA   bool
	LoRARank  int
	LoRAAlpha float64
}

// NewConfig returns the Stable-Diffusion-1.x sized configuration.
func NewConfig() *Config {
	return &Config{
		InputChannels:      4,
		OutputChannels:     4,
		BaseChannels:       320,
		ChannelMultipliers: []int{1, 2, 4, 4},
		NumHeads:           8,
		TimeEmbedDim:       320,
		CondDim:            768,
		NumGroups:          32,
		DType:              dtypes.Float32,
		LoRARank:           4,
		LoRAAlpha:          4,
	}
}

// Validate panics with a descriptive message on any inconsistent setting.
func (c *Config) Validate() {
	if c.InputChannels <= 0 || c.OutputChannels <= 0 {
		exceptions.Panicf("UNet requires positive input/output channels, got in=%d out=%d",
			c.InputChannels, c.OutputChannels)
	}
	if len(c.ChannelMultipliers) == 0 {
		exceptions.Panicf("UNet requires at least one channel multiplier")
	}
	if c.BaseChannels <= 0 || c.NumGroups <= 0 || c.BaseChannels%c.NumGroups != 0 {
		exceptions.Panicf("UNet requires BaseChannels (%d) divisible by NumGroups (%d)",
			c.BaseChannels, c.NumGroups)
	}
	if c.TimeEmbedDim <= 0 || c.TimeEmbedDim%2 != 0 {
		exceptions.Panicf("UNet requires a positive even TimeEmbedDim, got %d", c.TimeEmbedDim)
	}
	if c.CondDim <= 0 {
		exceptions.Panicf("UNet requires a positive CondDim, got %d", c.CondDim)
	}
	for _, mult := range c.ChannelMultipliers {
		if mult <= 0 {
			exceptions.Panicf("UNet channel multipliers must be positive, got %v", c.ChannelMultipliers)
		}
		if c.NumHeads <= 0 || (c.BaseChannels*mult)%c.NumHeads != 0 {
			exceptions.Panicf("stage with %d channels is not divisible by NumHeads=%d",
				c.BaseChannels*mult, c.NumHeads)
		}
	}
	if c.UseLoRA && c.LoRARank <= 0 {
		exceptions.Panicf("UseLoRA requires a positive LoRARank, got %d", c.LoRARank)
	}
}

// loRA returns the adapter settings handed to every attention unit.
func (c *Config) loRA() nn.LoRA {
	return nn.LoRA{Active: c.UseLoRA, Rank: c.LoRARank, Alpha: c.LoRAAlpha}
}

// downsampleFactor is the total spatial contraction of the encoder; input
// height and width must be divisible by it.
func (c *Config) downsampleFactor() int {
	return 1 << (len(c.ChannelMultipliers) - 1)
}

// UNet is the noise-prediction model. Create it with New; it keeps direct
// references to every attention unit and transformer block so the global
// toggles are plain loops, not structure walks.
type UNet struct {
	ctx    *context.Context
	config *Config

	timeEmbedding *TimeEmbedding
	encoder       *Encoder
	bottleneck    []Layer
	decoder       *Decoder

	transformers []*TransformerBlock
	attentions   []*nn.Attention
}

// New creates the UNet under the given context scope. It panics on an invalid
// configuration. Variables are created lazily, on the first graph built with
// PredictNoise.
func New(ctx *context.Context, config *Config) *UNet {
	config.Validate()
	u := &UNet{
		ctx:    ctx,
		config: config,
	}
	u.timeEmbedding = NewTimeEmbedding(ctx.In("time_embedding"), config.TimeEmbedDim, config.DType)
	u.encoder = NewEncoder(ctx.In("encoder"), config)
	u.decoder = NewDecoder(ctx.In("decoder"), config)

	deepChannels := u.encoder.OutputChannels()
	bottleneckCtx := ctx.In("bottleneck")
	bottleneckTransformer := NewTransformerBlock(bottleneckCtx.In("transformer"),
		deepChannels, config.NumHeads, config.CondDim, config.NumGroups, config.loRA())
	u.bottleneck = []Layer{
		NewResBlock(bottleneckCtx.In("residual_0"), deepChannels, deepChannels, config.NumGroups),
		bottleneckTransformer,
		NewResBlock(bottleneckCtx.In("residual_1"), deepChannels, deepChannels, config.NumGroups),
	}

	u.transformers = append(u.transformers, u.encoder.Transformers()...)
	u.transformers = append(u.transformers, bottleneckTransformer)
	u.transformers = append(u.transformers, u.decoder.Transformers()...)
	for _, transformer := range u.transformers {
		u.attentions = append(u.attentions, transformer.Attentions()...)
	}
	return u
}

// Config returns the configuration the model was built with. Treat it as
// read-only.
func (u *UNet) Config() *Config { return u.config }

// SetFusedAttention selects the fused (true) or reference (false) attention
// code path on every attention unit. Both paths compute the same values;
// idempotent, takes effect on the next graph build.
func (u *UNet) SetFusedAttention(enabled bool) {
	for _, attention := range u.attentions {
		attention.SetFused(enabled)
	}
}

// SetGradientCheckpointing flips the activation-recomputation flag on every
// transformer block. Advisory for training drivers; the forward computation
// is unchanged. Idempotent.
func (u *UNet) SetGradientCheckpointing(enabled bool) {
	for _, transformer := range u.transformers {
		transformer.SetRecompute(enabled)
	}
}

// SetLoRAActive switches the low-rank adapters of every attention projection
// on or off. Enabling requires the model to have been created with a positive
// LoRARank.
func (u *UNet) SetLoRAActive(active bool) {
	for _, attention := range u.attentions {
		for _, projection := range attention.Projections() {
			projection.SetLoRAActive(active)
		}
	}
}

// PredictNoise predicts the noise content of a batch of latents.
//
//   - latent: [batch, InputChannels, height, width], height and width
//     divisible by the encoder's total downsampling factor;
//   - timesteps: [batch] integer diffusion timesteps;
//   - cond: [batch, tokens, CondDim] conditioning sequence.
//
// It returns [batch, OutputChannels, height, width].
func (u *UNet) PredictNoise(latent, timesteps, cond *Node) *Node {
	config := u.config
	latent.AssertRank(4)
	dims := latent.Shape().Dimensions
	if dims[1] != config.InputChannels {
		exceptions.Panicf("UNet built for %d input channels, got latent shaped %s (channels-first)",
			config.InputChannels, latent.Shape())
	}
	factor := config.downsampleFactor()
	if dims[2]%factor != 0 || dims[3]%factor != 0 {
		exceptions.Panicf("latent spatial dimensions (%dx%d) must be divisible by the downsampling factor %d",
			dims[2], dims[3], factor)
	}
	timesteps.AssertDims(dims[0])
	if !timesteps.DType().IsInt() {
		exceptions.Panicf("timesteps must be integers, got %s", timesteps.Shape())
	}
	cond.AssertRank(3)
	if cond.Shape().Dimensions[0] != dims[0] || cond.Shape().Dimensions[2] != config.CondDim {
		exceptions.Panicf("conditioning must be shaped [%d, tokens, %d], got %s",
			dims[0], config.CondDim, cond.Shape())
	}

	timeEmbed := u.timeEmbedding.Apply(timesteps)
	x := TransposeAllDims(latent, 0, 2, 3, 1) // To channels-last.
	if x.DType() != config.DType {
		x = ConvertDType(x, config.DType)
	}

	skips := &SkipStack{}
	x = u.encoder.Apply(x, timeEmbed, cond, skips)
	for _, layer := range u.bottleneck {
		x = layer.Apply(x, timeEmbed, cond)
	}
	x = u.decoder.Apply(x, timeEmbed, cond, skips)
	if skips.Len() != 0 {
		exceptions.Panicf("forward pass ended with %d unconsumed skip connections", skips.Len())
	}

	outCtx := u.ctx.In("output")
	x = nn.GroupNormalization(outCtx.In("norm"), x, config.NumGroups).Done()
	x = activations.Swish(x)
	x = layers.Convolution(outCtx.In("conv_out"), x).
		Filters(config.OutputChannels).KernelSize(3).PadSame().Done()
	return TransposeAllDims(x, 0, 3, 1, 2) // Back to channels-first.
}
