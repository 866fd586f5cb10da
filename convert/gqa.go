package convert

import (
	"fmt"
	"strings"

	"github.com/jmorganca/shardconv/ml"
)

// Layout is the order replicated KV heads are paired with query heads.
type Layout int

const (
	// LayoutInterleaved cycles through the KV heads, K0..Kn, once per
	// replica. Query heads are regrouped so each rank holds the heads that
	// share its KV head.
	LayoutInterleaved Layout = iota
	// LayoutBlocked keeps query heads in their natural order.
	LayoutBlocked
)

func (l Layout) String() string {
	switch l {
	case LayoutInterleaved:
		return "interleaved"
	case LayoutBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// LayoutForBackend returns the KV replication layout of a hardware backend.
func LayoutForBackend(backend string) (Layout, error) {
	switch strings.ToLower(backend) {
	case "trn1", "", "interleaved":
		return LayoutInterleaved, nil
	case "trn2", "blocked":
		return LayoutBlocked, nil
	default:
		return 0, fmt.Errorf("unknown hardware backend %q", backend)
	}
}

// HeadLayout describes how attention heads are distributed over tensor
// parallel ranks when KV heads are replicated KVMultiplier times.
type HeadLayout struct {
	QHeads       int
	KVHeads      int
	HeadDim      int
	KVMultiplier int
	Layout       Layout
}

func (h HeadLayout) multiplier() int {
	return max(h.KVMultiplier, 1)
}

// Replicated reports whether KV heads are duplicated across ranks. Without
// grouped query attention there is nothing to replicate.
func (h HeadLayout) Replicated() bool {
	return h.multiplier() > 1 && h.KVHeads != h.QHeads
}

// Validate checks that the heads can be spread evenly over tp ranks.
func (h HeadLayout) Validate(tp int) error {
	if h.QHeads <= 0 || h.KVHeads <= 0 {
		return fmt.Errorf("%w: %d query heads and %d kv heads", ErrTopologyMismatch, h.QHeads, h.KVHeads)
	}

	if h.QHeads%h.KVHeads != 0 {
		return fmt.Errorf("%w: %d query heads are not divisible by %d kv heads", ErrTopologyMismatch, h.QHeads, h.KVHeads)
	}

	if h.QHeads%tp != 0 {
		return fmt.Errorf("%w: %d query heads are not divisible by tp size %d", ErrTopologyMismatch, h.QHeads, tp)
	}

	if !h.Replicated() {
		return nil
	}

	replicas := h.KVHeads * h.multiplier()
	if replicas%tp != 0 {
		return fmt.Errorf("%w: %d replicated kv heads are not divisible by tp size %d", ErrTopologyMismatch, replicas, tp)
	}

	if h.Layout == LayoutInterleaved && h.QHeads%replicas != 0 {
		return fmt.Errorf("%w: %d query heads cannot be grouped over %d replicated kv heads", ErrTopologyMismatch, h.QHeads, replicas)
	}

	return nil
}

// Order returns the query head indices in the order they are laid out across
// ranks: rank 0's heads first, then rank 1's and so on. Every rank holds
// QHeads/tp consecutive entries.
//
// With interleaved replication rank t holds the replicated KV positions
// [t*s, (t+1)*s) where s = KVHeads*KVMultiplier/tp. Position p is KV head
// p%KVHeads, replica p/KVHeads and owns query group (p%KVHeads)*KVMultiplier
// + p/KVHeads.
func (h HeadLayout) Order(tp int) ([]int, error) {
	if err := h.Validate(tp); err != nil {
		return nil, err
	}

	order := make([]int, 0, h.QHeads)
	if !h.Replicated() || h.Layout == LayoutBlocked {
		for i := range h.QHeads {
			order = append(order, i)
		}
		return order, nil
	}

	r := h.multiplier()
	replicas := h.KVHeads * r
	groupSize := h.QHeads / replicas
	for p := range replicas {
		group := (p%h.KVHeads)*r + p/h.KVHeads
		for i := range groupSize {
			order = append(order, group*groupSize+i)
		}
	}

	return order, nil
}

// SplitHeads returns rank's query heads of a query weight or bias. The
// tensor's rows are QHeads consecutive blocks of head rows.
func (h HeadLayout) SplitHeads(t *ml.Tensor, tp, rank int) (*ml.Tensor, error) {
	order, err := h.Order(tp)
	if err != nil {
		return nil, err
	}

	heads, err := t.Chunk(0, h.QHeads)
	if err != nil {
		return nil, fmt.Errorf("%w: %v cannot hold %d heads", ErrTopologyMismatch, t.Shape(), h.QHeads)
	}

	perRank := h.QHeads / tp
	parts := make([]*ml.Tensor, 0, perRank)
	for _, head := range order[rank*perRank : (rank+1)*perRank] {
		parts = append(parts, heads[head])
	}

	return ml.Concat(0, parts...)
}

// MergeHeads is the inverse of SplitHeads: shards holds one tensor per rank
// in rank order.
func (h HeadLayout) MergeHeads(shards []*ml.Tensor) (*ml.Tensor, error) {
	tp := len(shards)
	order, err := h.Order(tp)
	if err != nil {
		return nil, err
	}

	perRank := h.QHeads / tp
	heads := make([]*ml.Tensor, h.QHeads)
	for rank, shard := range shards {
		parts, err := shard.Chunk(0, perRank)
		if err != nil {
			return nil, fmt.Errorf("%w: rank %d shard %v cannot hold %d heads", ErrTopologyMismatch, rank, shard.Shape(), perRank)
		}

		for i, part := range parts {
			heads[order[rank*perRank+i]] = part
		}
	}

	return ml.Concat(0, heads...)
}

// SplitOutput returns rank's slice of an output projection. Its input
// columns follow the query heads, so the same head order applies to the
// transposed weight.
func (h HeadLayout) SplitOutput(t *ml.Tensor, tp, rank int) (*ml.Tensor, error) {
	tt, err := t.Transpose()
	if err != nil {
		return nil, err
	}

	part, err := h.SplitHeads(tt, tp, rank)
	if err != nil {
		return nil, err
	}

	return part.Transpose()
}

// MergeOutput is the inverse of SplitOutput.
func (h HeadLayout) MergeOutput(shards []*ml.Tensor) (*ml.Tensor, error) {
	transposed := make([]*ml.Tensor, len(shards))
	for i, shard := range shards {
		tt, err := shard.Transpose()
		if err != nil {
			return nil, err
		}
		transposed[i] = tt
	}

	full, err := h.MergeHeads(transposed)
	if err != nil {
		return nil, err
	}

	return full.Transpose()
}

// ReplicateKV tiles a key or value tensor KVMultiplier times and returns
// rank's contiguous slice.
func (h HeadLayout) ReplicateKV(t *ml.Tensor, tp, rank int) (*ml.Tensor, error) {
	if h.Replicated() {
		tiled, err := t.Repeat(h.multiplier())
		if err != nil {
			return nil, err
		}
		t = tiled
	}

	return narrowRank(t, 0, rank, tp)
}

// UnreplicateKV joins the rank shards of a key or value tensor and drops the
// duplicate replicas.
func (h HeadLayout) UnreplicateKV(shards []*ml.Tensor) (*ml.Tensor, error) {
	full, err := ml.Concat(0, shards...)
	if err != nil {
		return nil, err
	}

	if !h.Replicated() {
		return full, nil
	}

	replicas, err := full.Chunk(0, h.multiplier())
	if err != nil {
		return nil, fmt.Errorf("%w: %v cannot hold %d kv replicas", ErrTopologyMismatch, full.Shape(), h.multiplier())
	}

	return replicas[0], nil
}
