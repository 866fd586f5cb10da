package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"architectures": ["LlamaForCausalLM"],
		"num_hidden_layers": 32,
		"hidden_size": 4096,
		"num_attention_heads": 32,
		"num_key_value_heads": 8,
		"intermediate_size": 14336,
		"vocab_size": 128256,
		"rope_theta": 500000.0
	}`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Config{
		NumHiddenLayers:   32,
		HiddenSize:        4096,
		NumAttentionHeads: 32,
		NumKeyValueHeads:  8,
		IntermediateSize:  14336,
		VocabSize:         128256,
	}, *c)
	assert.Equal(t, 128, c.HeadDim())
	assert.Equal(t, HeadLayout{QHeads: 32, KVHeads: 8, HeadDim: 128, KVMultiplier: 4, Layout: LayoutBlocked}, c.HeadLayout(4, LayoutBlocked))
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"num_hidden_layers": 2, "hidden_size": 64, "num_attention_heads": 4, "head_dim": 32}`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.KVHeads())
	assert.Equal(t, 32, c.HeadDim())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "hf_llama3_8B_config.yaml", `
name: hf_llama
trainer:
  max_steps: 100
model:
  num_layers: 32
  hidden_size: 4096
  num_attention_heads: 32
  num_kv_heads: 8
  ffn_hidden_size: "14336"
  fuse_qkv: true
`)

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, c.NumHiddenLayers)
	assert.Equal(t, 4096, c.HiddenSize)
	assert.Equal(t, 8, c.KVHeads())
	assert.Equal(t, 14336, c.IntermediateSize)
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"missing heads.json":   `{"hidden_size": 64}`,
		"indivisible kv.json":  `{"hidden_size": 64, "num_attention_heads": 6, "num_key_value_heads": 4}`,
		"malformed.json":       `{"hidden_size": `,
		"malformed.yaml":       "model: [",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, name, content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "config.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
