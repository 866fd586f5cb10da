package convert

import (
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/shardconv/ml"
)

func TestHeadOrder(t *testing.T) {
	cases := []struct {
		layout HeadLayout
		tp     int
		want   []int
	}{
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 4}, 8, []int{0, 4, 1, 5, 2, 6, 3, 7}},
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 2}, 4, []int{0, 1, 4, 5, 2, 3, 6, 7}},
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 4, Layout: LayoutBlocked}, 8, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{HeadLayout{QHeads: 8, KVHeads: 8, KVMultiplier: 4}, 2, []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{HeadLayout{QHeads: 4, KVHeads: 2, KVMultiplier: 1}, 2, []int{0, 1, 2, 3}},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("%+v tp=%d", tt.layout, tt.tp), func(t *testing.T) {
			got, err := tt.layout.Order(tt.tp)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestHeadOrderGroups checks that every rank's query heads belong to the KV
// heads the same rank holds after replication.
func TestHeadOrderGroups(t *testing.T) {
	for _, q := range []int{4, 8, 16, 32} {
		for _, kv := range []int{1, 2, 4, 8} {
			for _, r := range []int{1, 2, 4, 8} {
				for _, tp := range []int{1, 2, 4, 8, 16, 32} {
					for _, layout := range []Layout{LayoutInterleaved, LayoutBlocked} {
						h := HeadLayout{QHeads: q, KVHeads: kv, KVMultiplier: r, Layout: layout}
						if h.Validate(tp) != nil || kv > q {
							continue
						}

						order, err := h.Order(tp)
						require.NoError(t, err)

						sorted := slices.Clone(order)
						slices.Sort(sorted)
						for i, head := range sorted {
							require.Equal(t, i, head, "%+v tp=%d order %v is not a permutation", h, tp, order)
						}

						if !h.Replicated() || layout == LayoutBlocked {
							continue
						}

						replicas := kv * r
						perRank, kvPerRank := q/tp, replicas/tp
						for rank := range tp {
							var held []int
							for p := rank * kvPerRank; p < (rank+1)*kvPerRank; p++ {
								held = append(held, p%kv)
							}

							for _, head := range order[rank*perRank : (rank+1)*perRank] {
								assert.Contains(t, held, head/(q/kv), "%+v tp=%d rank %d head %d", h, tp, rank, head)
							}
						}
					}
				}
			}
		}
	}
}

func TestHeadLayoutValidate(t *testing.T) {
	cases := []struct {
		layout HeadLayout
		tp     int
	}{
		{HeadLayout{QHeads: 8, KVHeads: 3, KVMultiplier: 1}, 2},
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 1}, 3},
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 3}, 4},
		{HeadLayout{QHeads: 8, KVHeads: 2, KVMultiplier: 8}, 8},
		{HeadLayout{}, 1},
	}

	for _, tt := range cases {
		require.ErrorIs(t, tt.layout.Validate(tt.tp), ErrTopologyMismatch, "%+v tp=%d", tt.layout, tt.tp)
	}
}

func TestSplitMergeHeads(t *testing.T) {
	for _, layout := range []Layout{LayoutInterleaved, LayoutBlocked} {
		h := HeadLayout{QHeads: 8, KVHeads: 2, HeadDim: 2, KVMultiplier: 4, Layout: layout}
		q := arange(t, 16, 3)

		var shards []*ml.Tensor
		for rank := range 8 {
			shard, err := h.SplitHeads(q, 8, rank)
			require.NoError(t, err)
			require.Equal(t, []int{2, 3}, shard.Shape())
			shards = append(shards, shard)
		}

		merged, err := h.MergeHeads(shards)
		require.NoError(t, err)
		assert.True(t, q.Equal(merged), layout.String())

		o := arange(t, 3, 16)
		shards = shards[:0]
		for rank := range 8 {
			shard, err := h.SplitOutput(o, 8, rank)
			require.NoError(t, err)
			shards = append(shards, shard)
		}

		merged, err = h.MergeOutput(shards)
		require.NoError(t, err)
		assert.True(t, o.Equal(merged), layout.String())
	}
}

func TestReplicateKV(t *testing.T) {
	kv := arange(t, 2, 3)

	// both layouts tile whole kv tensors, so rank i holds kv head i%2
	for _, layout := range []Layout{LayoutInterleaved, LayoutBlocked} {
		h := HeadLayout{QHeads: 8, KVHeads: 2, HeadDim: 1, KVMultiplier: 4, Layout: layout}

		var shards []*ml.Tensor
		for rank := range 8 {
			shard, err := h.ReplicateKV(kv, 8, rank)
			require.NoError(t, err)

			head, err := kv.Narrow(0, rank%2, 1)
			require.NoError(t, err)
			assert.True(t, head.Equal(shard), "%s rank %d", layout, rank)
			shards = append(shards, shard)
		}

		merged, err := h.UnreplicateKV(shards)
		require.NoError(t, err)
		assert.True(t, kv.Equal(merged), "%s", layout)
	}
}

func TestLayoutForBackend(t *testing.T) {
	for backend, want := range map[string]Layout{"trn1": LayoutInterleaved, "": LayoutInterleaved, "TRN2": LayoutBlocked} {
		got, err := LayoutForBackend(backend)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := LayoutForBackend("gpu")
	assert.Error(t, err)
}
