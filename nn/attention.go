package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Attention is a multi-head scaled dot-product attention unit over a token
// sequence. With condDim == 0 it self-attends; with condDim > 0 the keys and
// values are projected from a separate conditioning sequence (cross
// attention). No causal masking is applied.
//
// Every projection (query, key, value, output) is a LinearProjection, so the
// whole unit can carry low-rank adapters. Query, key and value carry no bias;
// the output projection does.
//
// Two numerically equivalent code paths are provided: a reference path that
// transposes to per-head layout before the contractions, and a fused path
// that keeps the [batch, tokens, heads, headDim] layout throughout and so
// materializes fewer intermediates. SetFused switches between them.
type Attention struct {
	ctx               *context.Context
	numHeads          int
	embedDim, headDim int
	condDim           int
	fused             bool
	query, key, value *LinearProjection
	output            *LinearProjection
}

// NewAttention creates an attention unit with the given number of heads over
// embedDim channels. condDim > 0 makes it a cross-attention unit reading keys
// and values from a conditioning sequence with that many channels; condDim ==
// 0 makes it self-attention.
//
// It panics if embedDim is not divisible by numHeads.
func NewAttention(ctx *context.Context, numHeads, embedDim, condDim int, lora LoRA) *Attention {
	if numHeads <= 0 {
		exceptions.Panicf("NewAttention requires numHeads > 0, got %d", numHeads)
	}
	if embedDim%numHeads != 0 {
		exceptions.Panicf("attention embedding dimension (%d) must be divisible by the number of heads (%d)",
			embedDim, numHeads)
	}
	return &Attention{
		ctx:      ctx,
		numHeads: numHeads,
		embedDim: embedDim,
		headDim:  embedDim / numHeads,
		condDim:  condDim,
		query:    NewLinearProjection(ctx.In("query"), embedDim, false, lora),
		key:      NewLinearProjection(ctx.In("key"), embedDim, false, lora),
		value:    NewLinearProjection(ctx.In("value"), embedDim, false, lora),
		output:   NewLinearProjection(ctx.In("output"), embedDim, true, lora),
	}
}

// IsCrossAttention reports whether keys/values come from a conditioning
// sequence.
func (a *Attention) IsCrossAttention() bool { return a.condDim > 0 }

// SetFused selects the fused code path (true) or the reference path (false).
// Idempotent; takes effect on the next graph build.
func (a *Attention) SetFused(fused bool) { a.fused = fused }

// Fused reports which code path is selected.
func (a *Attention) Fused() bool { return a.fused }

// Projections returns the four linear projections of the unit, in query,
// key, value, output order.
func (a *Attention) Projections() []*LinearProjection {
	return []*LinearProjection{a.query, a.key, a.value, a.output}
}

// Apply attends x, shaped [batch, tokens, embedDim], and returns the same
// shape. For cross-attention cond must be [batch, condTokens, condDim]; for
// self-attention cond is ignored and may be nil.
func (a *Attention) Apply(x, cond *Node) *Node {
	x.AssertRank(3)
	if x.Shape().Dimensions[2] != a.embedDim {
		exceptions.Panicf("attention built for %d channels, got input shaped %s", a.embedDim, x.Shape())
	}
	kvInput := x
	if a.IsCrossAttention() {
		if cond == nil {
			exceptions.Panicf("cross-attention requires a conditioning sequence, got nil")
		}
		cond.AssertRank(3)
		if cond.Shape().Dimensions[2] != a.condDim {
			exceptions.Panicf("cross-attention built for conditioning with %d channels, got %s",
				a.condDim, cond.Shape())
		}
		kvInput = cond
	}

	batchSize := x.Shape().Dimensions[0]
	numTokens := x.Shape().Dimensions[1]
	numKeys := kvInput.Shape().Dimensions[1]

	query := a.query.Apply(x)
	key := a.key.Apply(kvInput)
	value := a.value.Apply(kvInput)

	// Split heads: [batch, tokens, heads, headDim].
	query = Reshape(query, batchSize, numTokens, a.numHeads, a.headDim)
	key = Reshape(key, batchSize, numKeys, a.numHeads, a.headDim)
	value = Reshape(value, batchSize, numKeys, a.numHeads, a.headDim)

	var attended *Node
	if a.fused {
		attended = fusedCore(query, key, value, a.headDim)
	} else {
		attended = referenceCore(query, key, value, a.headDim)
	}
	attended = Reshape(attended, batchSize, numTokens, a.embedDim)
	return a.output.Apply(attended)
}

// referenceCore transposes to the per-head layout [batch, heads, tokens,
// headDim], runs the two contractions and a softmax there, and transposes
// back.
func referenceCore(query, key, value *Node, headDim int) *Node {
	query = TransposeAllDims(query, 0, 2, 1, 3)
	key = TransposeAllDims(key, 0, 2, 1, 3)
	value = TransposeAllDims(value, 0, 2, 1, 3)
	scores := Einsum("bhqd,bhkd->bhqk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	weights := Softmax(scores, -1)
	attended := Einsum("bhqk,bhkd->bhqd", weights, value)
	return TransposeAllDims(attended, 0, 2, 1, 3)
}

// fusedCore contracts directly in the [batch, tokens, heads, headDim] layout,
// avoiding the head transposes of the reference path.
func fusedCore(query, key, value *Node, headDim int) *Node {
	scores := Einsum("bqhd,bkhd->bqhk", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(headDim)))
	weights := Softmax(scores, -1)
	return Einsum("bqhk,bkhd->bqhd", weights, value)
}
