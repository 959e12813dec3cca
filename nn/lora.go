package nn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// LoRA configures the optional low-rank adaptation of a LinearProjection.
type LoRA struct {
	// Active decides whether the low-rank delta is added to the base
	// projection. The down-projection is random-initialized and the
	// up-projection zero-initialized, so a freshly created adapter leaves the
	// output unchanged until trained.
	Active bool

	// Rank of the adapter factors. Must be > 0 when Active.
	Rank int

	// Alpha scales the delta by Alpha/Rank.
	Alpha float64
}

// LinearProjection is a dense layer whose output can be augmented by a
// low-rank (LoRA) delta: y = x*W (+bias) + (alpha/rank)*x*A*B.
//
// The adapter can be switched on and off between graph builds with
// SetLoRAActive; the base weights are untouched either way.
type LinearProjection struct {
	ctx       *context.Context
	outputDim int
	useBias   bool
	lora      LoRA
}

// NewLinearProjection returns a projection to outputDim under the given
// context scope. The input dimension is taken from the operand at apply time.
func NewLinearProjection(ctx *context.Context, outputDim int, useBias bool, lora LoRA) *LinearProjection {
	if outputDim <= 0 {
		exceptions.Panicf("NewLinearProjection requires outputDim > 0, got %d", outputDim)
	}
	if lora.Active && lora.Rank <= 0 {
		exceptions.Panicf("LoRA requires Rank > 0 when active, got rank %d", lora.Rank)
	}
	return &LinearProjection{
		ctx:       ctx,
		outputDim: outputDim,
		useBias:   useBias,
		lora:      lora,
	}
}

// SetLoRAActive switches the low-rank delta on or off. Idempotent; takes
// effect on the next graph build.
func (p *LinearProjection) SetLoRAActive(active bool) {
	if active && p.lora.Rank <= 0 {
		exceptions.Panicf("LoRA requires Rank > 0 when active, got rank %d", p.lora.Rank)
	}
	p.lora.Active = active
}

// LoRAActive reports whether the low-rank delta is currently applied.
func (p *LinearProjection) LoRAActive() bool { return p.lora.Active }

// Apply projects x, shaped [batch, tokens, inputDim], to
// [batch, tokens, outputDim].
func (p *LinearProjection) Apply(x *Node) *Node {
	x.AssertRank(3)
	output := layers.Dense(p.ctx, x, p.useBias, p.outputDim)
	if !p.lora.Active {
		return output
	}

	inputDim := x.Shape().Dimensions[x.Rank()-1]
	dtype := x.DType()
	loraCtx := p.ctx.In("lora")
	downVar := loraCtx.WithInitializer(initializers.RandomNormalFn(loraCtx, 1.0/float64(p.lora.Rank))).
		VariableWithShape("down", shapes.Make(dtype, inputDim, p.lora.Rank))
	upVar := loraCtx.WithInitializer(initializers.Zero).
		VariableWithShape("up", shapes.Make(dtype, p.lora.Rank, p.outputDim))
	g := x.Graph()
	delta := Einsum("bti,ir->btr", x, downVar.ValueGraph(g))
	delta = Einsum("btr,ro->bto", delta, upVar.ValueGraph(g))
	alpha := p.lora.Alpha
	if alpha == 0 {
		alpha = float64(p.lora.Rank)
	}
	return Add(output, MulScalar(delta, alpha/float64(p.lora.Rank)))
}
