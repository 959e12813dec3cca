package unet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// SkipStack holds the encoder activations consumed by the decoder, in LIFO
// order. The encoder owns the pushes and the decoder the pops; the two must
// balance exactly over one forward pass, and the UNet checks the stack is
// empty at the end.
type SkipStack struct {
	nodes []*Node
}

// Push appends an activation.
func (s *SkipStack) Push(x *Node) {
	s.nodes = append(s.nodes, x)
}

// Pop removes and returns the most recent activation. Popping an empty stack
// panics: it means the decoder expects more skip connections than the encoder
// produced.
func (s *SkipStack) Pop() *Node {
	if len(s.nodes) == 0 {
		exceptions.Panicf("skip-connection stack underflow: the decoder popped more activations than the encoder pushed")
	}
	x := s.nodes[len(s.nodes)-1]
	s.nodes[len(s.nodes)-1] = nil
	s.nodes = s.nodes[:len(s.nodes)-1]
	return x
}

// Peek returns the most recent activation without removing it, or nil if the
// stack is empty.
func (s *SkipStack) Peek() *Node {
	if len(s.nodes) == 0 {
		return nil
	}
	return s.nodes[len(s.nodes)-1]
}

// Len returns the number of stacked activations.
func (s *SkipStack) Len() int { return len(s.nodes) }
