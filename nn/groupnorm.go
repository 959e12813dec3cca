package nn

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
)

// GroupNormBuilder is a helper to build a group normalization computation.
// Create it with GroupNormalization, set the desired parameters and when all
// is set, call Done.
type GroupNormBuilder struct {
	ctx           *context.Context
	x             *Node
	numGroups     int
	epsilon       float64
	center, scale bool
}

// GroupNormalization normalizes x over groups of channels: the channels axis
// (the last axis) is split into numGroups groups, and mean and variance are
// computed per example over each group together with all non-batch axes.
// A learned per-channel scale and offset are applied afterwards.
//
// x must be shaped [batch, ..., channels] (channels last) with rank >= 2, and
// channels must be divisible by numGroups.
//
// It returns a GroupNormBuilder for configuration; call Done to get the
// normalized value.
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *GroupNormBuilder {
	return &GroupNormBuilder{
		ctx:       ctx.In("group_normalization"),
		x:         x,
		numGroups: numGroups,
		epsilon:   1e-5,
		center:    true,
		scale:     true,
	}
}

// Epsilon is a small float added to the variance to avoid dividing by zero.
// It defaults to 1e-5.
func (builder *GroupNormBuilder) Epsilon(value float64) *GroupNormBuilder {
	builder.epsilon = value
	return builder
}

// LearnedOffset defines whether a learned per-channel offset is added after
// normalization. It defaults to true.
func (builder *GroupNormBuilder) LearnedOffset(value bool) *GroupNormBuilder {
	builder.center = value
	return builder
}

// LearnedScale defines whether a learned per-channel scale is applied after
// normalization. It defaults to true.
func (builder *GroupNormBuilder) LearnedScale(value bool) *GroupNormBuilder {
	builder.scale = value
	return builder
}

// Done finishes configuring the GroupNormalization and generates the graph
// computation to normalize the input.
func (builder *GroupNormBuilder) Done() *Node {
	ctx := builder.ctx
	x := builder.x
	g := x.Graph()
	rank := x.Rank()
	if rank < 2 {
		exceptions.Panicf("GroupNormalization requires x with rank >= 2 ([batch, ..., channels]), got rank %d", rank)
	}
	channels := x.Shape().Dimensions[rank-1]
	if builder.numGroups <= 0 || channels%builder.numGroups != 0 {
		exceptions.Panicf("GroupNormalization requires channels (%d) divisible by numGroups (%d)",
			channels, builder.numGroups)
	}

	// Split the channels axis into [numGroups, channels/numGroups] and
	// normalize each example over everything but the groups axis.
	groupedDims := make([]int, 0, rank+1)
	groupedDims = append(groupedDims, x.Shape().Dimensions[:rank-1]...)
	groupedDims = append(groupedDims, builder.numGroups, channels/builder.numGroups)
	grouped := Reshape(x, groupedDims...)
	reduceAxes := make([]int, 0, rank-1)
	for axis := 1; axis < rank-1; axis++ {
		reduceAxes = append(reduceAxes, axis) // Spatial axes.
	}
	reduceAxes = append(reduceAxes, rank) // Channels within the group.

	mean := ReduceAndKeep(grouped, ReduceMean, reduceAxes...)
	normalized := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(normalized), ReduceMean, reduceAxes...)
	normalized = Div(normalized, Sqrt(AddScalar(variance, builder.epsilon)))
	normalized = Reshape(normalized, x.Shape().Dimensions...)

	// Per-channel learned scale and offset, broadcast over batch and space.
	varShape := x.Shape().Clone()
	for axis := 0; axis < rank-1; axis++ {
		varShape.Dimensions[axis] = 1
	}
	if builder.scale {
		scaleVar := ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape).SetTrainable(true)
		normalized = Mul(normalized, scaleVar.ValueGraph(g))
	}
	if builder.center {
		offsetVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true)
		normalized = Add(normalized, offsetVar.ValueGraph(g))
	}
	return normalized
}
