package convert

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/jmorganca/shardconv/ml"
)

// Config holds the model hyperparameters the converter needs.
type Config struct {
	NumHiddenLayers   int `json:"num_hidden_layers" mapstructure:"num_layers"`
	HiddenSize        int `json:"hidden_size" mapstructure:"hidden_size"`
	NumAttentionHeads int `json:"num_attention_heads" mapstructure:"num_attention_heads"`
	NumKeyValueHeads  int `json:"num_key_value_heads" mapstructure:"num_kv_heads"`
	HeadDimension     int `json:"head_dim" mapstructure:"head_dim"`
	IntermediateSize  int `json:"intermediate_size" mapstructure:"ffn_hidden_size"`
	VocabSize         int `json:"vocab_size" mapstructure:"vocab_size"`
	NumLocalExperts   int `json:"num_local_experts" mapstructure:"num_moe_experts"`
}

func (c Config) KVHeads() int {
	return cmp.Or(c.NumKeyValueHeads, c.NumAttentionHeads)
}

func (c Config) HeadDim() int {
	if c.HeadDimension > 0 || c.NumAttentionHeads == 0 {
		return c.HeadDimension
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c Config) Validate() error {
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("config: num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	}

	if c.HiddenSize <= 0 {
		return fmt.Errorf("config: hidden_size must be positive, got %d", c.HiddenSize)
	}

	if c.NumAttentionHeads%c.KVHeads() != 0 {
		return fmt.Errorf("config: %d attention heads are not divisible by %d kv heads", c.NumAttentionHeads, c.KVHeads())
	}

	return nil
}

// Check reports whether full matches the config. The layer indices must be
// exactly 0 through NumHiddenLayers-1, embedding rows must match VocabSize,
// dense MLP rows must match IntermediateSize and expert tensors must lead
// with NumLocalExperts. Zero fields are not checked.
func (c Config) Check(full ml.State) error {
	layers := make(map[int]struct{})
	for name, t := range full {
		if n, ok := LayerIndex(name); ok {
			layers[n] = struct{}{}
		}

		var dim, want int
		switch {
		case isExpert(name):
			dim, want = t.Dim(0), c.NumLocalExperts
		case strings.Contains(name, "embed_tokens"), strings.Contains(name, "lm_head"):
			dim, want = t.Dim(0), c.VocabSize
		case strings.Contains(name, "mlp.gate_proj.weight"), strings.Contains(name, "mlp.up_proj.weight"):
			dim, want = t.Dim(0), c.IntermediateSize
		default:
			continue
		}

		if want > 0 && dim != want {
			return fmt.Errorf("%w: %s has %d rows, config expects %d", ErrTopologyMismatch, name, dim, want)
		}
	}

	if c.NumHiddenLayers > 0 {
		for i := range c.NumHiddenLayers {
			if _, ok := layers[i]; !ok {
				return fmt.Errorf("%w: layer %d of %d is missing", ErrTopologyMismatch, i, c.NumHiddenLayers)
			}
		}

		if len(layers) != c.NumHiddenLayers {
			return fmt.Errorf("%w: state holds %d layers, config expects %d", ErrTopologyMismatch, len(layers), c.NumHiddenLayers)
		}
	}

	return nil
}

// HeadLayout returns the attention head layout for the given replication.
func (c Config) HeadLayout(multiplier int, layout Layout) HeadLayout {
	return HeadLayout{
		QHeads:       c.NumAttentionHeads,
		KVHeads:      c.KVHeads(),
		HeadDim:      c.HeadDim(),
		KVMultiplier: multiplier,
		Layout:       layout,
	}
}

// LoadConfig reads a HuggingFace config.json or, for .yaml and .yml files, a
// training config with the model hyperparameters under the "model" key.
func LoadConfig(path string) (*Config, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := decodeYAMLConfig(bts, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(bts, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &c, nil
}

func decodeYAMLConfig(bts []byte, c *Config) error {
	var doc map[string]any
	if err := yaml.Unmarshal(bts, &doc); err != nil {
		return err
	}

	model, ok := doc["model"].(map[string]any)
	if !ok {
		model = doc
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(model)
}
