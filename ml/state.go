package ml

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// State maps fully qualified parameter names, e.g.
// model.layers.3.self_attn.q_proj.weight, to tensors.
type State map[string]*Tensor

// Names returns the parameter names in lexical order.
func (s State) Names() []string {
	keys := maps.Keys(s)
	slices.Sort(keys)
	return keys
}

// Clone deep copies every tensor in s.
func (s State) Clone() State {
	c := make(State, len(s))
	for name, t := range s {
		c[name] = t.Clone()
	}
	return c
}

// Bytes is the size of s when stored in each tensor's dtype.
func (s State) Bytes() int64 {
	var n int64
	for _, t := range s {
		n += int64(t.Len() * t.DType().Size())
	}
	return n
}

// Rank identifies one partial state in the tensor, pipeline and expert
// parallel grid.
type Rank struct {
	TP, PP, EP int
}

func (r Rank) String() string {
	return fmt.Sprintf("tp=%d pp=%d ep=%d", r.TP, r.PP, r.EP)
}

// Topology is the size of each parallel dimension.
type Topology struct {
	TP, PP, EP int
}

func (t Topology) Validate() error {
	if t.TP < 1 || t.PP < 1 || t.EP < 1 {
		return fmt.Errorf("invalid topology tp=%d pp=%d ep=%d: sizes must be positive", t.TP, t.PP, t.EP)
	}
	return nil
}

// Contains reports whether r is a valid position in t.
func (t Topology) Contains(r Rank) bool {
	return r.TP >= 0 && r.TP < t.TP &&
		r.PP >= 0 && r.PP < t.PP &&
		r.EP >= 0 && r.EP < t.EP
}

// Ranks lists every rank with tp outermost and ep innermost.
func (t Topology) Ranks() []Rank {
	ranks := make([]Rank, 0, t.TP*t.PP*t.EP)
	for tp := range t.TP {
		for pp := range t.PP {
			for ep := range t.EP {
				ranks = append(ranks, Rank{TP: tp, PP: pp, EP: ep})
			}
		}
	}
	return ranks
}
