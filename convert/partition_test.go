package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverRole(t *testing.T) {
	cases := map[string]Role{
		"model.embed_tokens.weight":                        RoleEmbedding,
		"lm_head.weight":                                   RoleEmbedding,
		"model.layers.0.self_attn.q_proj.weight":           RoleQKV,
		"model.layers.0.self_attn.k_proj.bias":             RoleQKV,
		"model.layers.0.self_attn.qkv_proj.weight_v":       RoleQKV,
		"model.layers.0.self_attn.qkv_proj.weight":         RoleQKV,
		"model.layers.0.self_attn.o_proj.weight":           RoleOProj,
		"model.layers.0.self_attn.o_proj.bias":             RoleNone,
		"model.layers.0.mlp.gate_proj.weight":              RoleGateUp,
		"model.layers.0.mlp.up_proj.weight":                RoleGateUp,
		"model.layers.0.mlp.gate_up_proj.weight":           RoleGateUp,
		"model.layers.0.mlp.down_proj.weight":              RoleDownProj,
		"model.layers.0.mlp.down_proj.bias":                RoleNone,
		"model.layers.0.mlp.expert_mlps.gate_up_proj":      RoleExpertGateUp,
		"model.layers.0.mlp.expert_mlps.down_proj":         RoleExpertDownProj,
		"model.layers.0.mlp.router.weight":                 RoleNone,
		"model.layers.0.input_layernorm.weight":            RoleNone,
		"model.layers.0.self_attn.rotary_emb.inv_freq":     RoleNone,
		"model.norm.weight":                                RoleNone,
		"language_model.encoder.layers.0.query_key_value": RoleQKV,
	}

	r := NewResolver(nil)
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, r.Role(name), "got %s, want %s", r.Role(name), want)
		})
	}
}

func TestResolverResolve(t *testing.T) {
	r := NewResolver(nil)

	cases := map[string]int{
		"model.embed_tokens.weight":                   0,
		"model.layers.0.self_attn.qkv_proj.weight_q":  0,
		"model.layers.0.self_attn.o_proj.weight":      1,
		"model.layers.0.mlp.gate_proj.weight":         0,
		"model.layers.0.mlp.down_proj.weight":         1,
		"model.layers.0.mlp.expert_mlps.gate_up_proj": 2,
		"model.layers.0.mlp.expert_mlps.down_proj":    1,
	}

	for name, want := range cases {
		axis, err := r.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, axis, name)
	}

	_, err := r.Resolve("model.norm.weight")
	require.ErrorIs(t, err, ErrUnknownParameterRole)
}

func TestResolverTable(t *testing.T) {
	table := DefaultPartitionTable()
	table[RoleOProj] = 0
	delete(table, RoleEmbedding)

	r := NewResolver(table)

	// the resolver keeps its own copy
	table[RoleOProj] = 1

	axis, err := r.Resolve("model.layers.0.self_attn.o_proj.weight")
	require.NoError(t, err)
	assert.Equal(t, 0, axis)

	_, err = r.Resolve("lm_head.weight")
	require.ErrorIs(t, err, ErrUnknownParameterRole)

	_, err = r.Axis(RoleNone)
	require.ErrorIs(t, err, ErrUnknownParameterRole)
}

func TestClassify(t *testing.T) {
	r := NewResolver(nil)

	cases := []struct {
		name string
		opts Options
		want kind
	}{
		{"model.layers.0.self_attn.q_proj.weight", Options{}, kindPlain},
		{"model.layers.0.self_attn.q_proj.weight", Options{QKVLinear: true}, kindHeads},
		{"model.layers.0.self_attn.q_proj.weight", Options{QKVLinear: true, Style: StyleMegatron}, kindPlain},
		{"model.layers.0.self_attn.k_proj.weight", Options{QKVLinear: true}, kindKV},
		{"model.layers.0.self_attn.v_proj.weight", Options{QKVLinear: true, Style: StyleMegatron}, kindKV},
		{"model.layers.0.self_attn.o_proj.weight", Options{QKVLinear: true}, kindOutput},
		{"model.layers.0.self_attn.o_proj.weight", Options{}, kindPlain},
		{"model.layers.0.self_attn.qkv_proj.weight", Options{QKVLinear: true}, kindCoalesced},
		{"model.layers.0.mlp.gate_up_proj.weight", Options{}, kindGateUp},
		{"model.layers.0.mlp.up_proj.weight", Options{}, kindGatePart},
		{"model.layers.0.mlp.down_proj.weight", Options{}, kindPlain},
		{"model.norm.weight", Options{QKVLinear: true}, kindReplicated},
	}

	for _, tt := range cases {
		got, _, err := tt.opts.classify(r, tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %+v", tt.name, tt.opts)
	}
}
