package unet

import (
	. "github.com/gomlx/gomlx/graph"
)

// Layer is one element of an encoder, bottleneck or decoder stage: either a
// *ResBlock or a *TransformerBlock. Both take the spatial activations x
// ([batch, height, width, channels]), the time embedding
// ([batch, timeChannels]) and the conditioning sequence
// ([batch, tokens, condChannels]); each variant ignores the inputs it does
// not use.
type Layer interface {
	Apply(x, timeEmbed, cond *Node) *Node
}
