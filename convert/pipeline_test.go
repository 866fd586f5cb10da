package convert

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layerNames(n int) []string {
	names := []string{"model.embed_tokens.weight", "lm_head.weight"}
	for i := range n {
		names = append(names,
			fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", i),
			fmt.Sprintf("model.layers.%d.mlp.down_proj.weight", i),
		)
	}
	return names
}

func TestLayerIndex(t *testing.T) {
	cases := map[string]int{
		"model.layers.0.self_attn.q_proj.weight":                   0,
		"model.layers.17.mlp.down_proj.weight":                     17,
		"language_model.encoder.layers.3.input_layernorm.weight":   3,
		"layers.5.attention.wq.weight":                             5,
	}

	for name, want := range cases {
		got, ok := LayerIndex(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	for _, name := range []string{"model.norm.weight", "model.sublayers.2.weight", "model.layers.x.weight"} {
		_, ok := LayerIndex(name)
		assert.False(t, ok, name)
	}
}

func TestPipelinePartition(t *testing.T) {
	cases := []struct {
		layers, pp, vpp int
		cuts            []int
		ranks           []int
	}{
		{4, 1, 1, nil, []int{0, 0, 0, 0}},
		{4, 2, 1, []int{1}, []int{0, 0, 1, 1}},
		{5, 2, 1, []int{1}, []int{0, 0, 1, 1, 1}},
		{8, 4, 1, []int{1, 3, 5}, []int{0, 0, 1, 1, 2, 2, 3, 3}},
		{8, 2, 2, []int{1, 3, 5}, []int{0, 0, 1, 1, 0, 0, 1, 1}},
		{7, 3, 1, []int{1, 3}, []int{0, 0, 1, 1, 2, 2, 2}},
	}

	for _, tt := range cases {
		t.Run(fmt.Sprintf("layers=%d pp=%d vpp=%d", tt.layers, tt.pp, tt.vpp), func(t *testing.T) {
			p, err := NewPipelinePartition(layerNames(tt.layers), tt.pp, tt.vpp)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.cuts, p.Cuts()); diff != "" {
				t.Errorf("cuts mismatch (-want +got):\n%s", diff)
			}

			var ranks []int
			for layer := range tt.layers {
				ranks = append(ranks, p.Rank(layer))
			}

			if diff := cmp.Diff(tt.ranks, ranks); diff != "" {
				t.Errorf("ranks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPipelinePartitionTooFewLayers(t *testing.T) {
	_, err := NewPipelinePartition(layerNames(3), 2, 2)
	require.ErrorIs(t, err, ErrTopologyMismatch)

	_, err = NewPipelinePartition(layerNames(3), 0, 1)
	require.ErrorIs(t, err, ErrTopologyMismatch)

	p, err := NewPipelinePartition(nil, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Rank(12))
}
