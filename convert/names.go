package convert

import (
	"fmt"
	"strings"
)

// Direction is the direction a name translation runs in.
type Direction int

const (
	// Forward translates sharded checkpoint names into the canonical
	// HuggingFace style names of a full state.
	Forward Direction = iota
	// Reverse translates canonical names into sharded checkpoint names.
	Reverse
)

// Style is the naming convention of a sharded checkpoint.
type Style string

const (
	StyleHF       Style = "hf"
	StyleMegatron Style = "megatron"
)

func ParseStyle(s string) (Style, error) {
	switch style := Style(strings.ToLower(s)); style {
	case StyleHF, StyleMegatron:
		return style, nil
	case "":
		return StyleHF, nil
	default:
		return "", fmt.Errorf("unknown model style %q", s)
	}
}

// qkvLinearKeys maps separate projections to the keys of a grouped query
// attention qkv linear layer.
var qkvLinearKeys = [][2]string{
	{"q_proj.weight", "qkv_proj.weight_q"},
	{"k_proj.weight", "qkv_proj.weight_k"},
	{"v_proj.weight", "qkv_proj.weight_v"},
	{"q_proj.bias", "qkv_proj.bias_q"},
	{"k_proj.bias", "qkv_proj.bias_k"},
	{"v_proj.bias", "qkv_proj.bias_v"},
}

// FusedQKVKey is the suffix of a single tensor holding q, k and v.
const FusedQKVKey = "qkv_proj.weight_qkv"

// KeyMap translates q/k/v projection keys between separate projections and
// the qkv linear layer.
type KeyMap struct {
	forward map[string]string
	reverse map[string]string
}

// NewKeyMap returns the key map for a checkpoint. Without a qkv linear layer
// projection names are stored unchanged.
func NewKeyMap(qkvLinear bool) KeyMap {
	km := KeyMap{forward: make(map[string]string), reverse: make(map[string]string)}
	if qkvLinear {
		for _, pair := range qkvLinearKeys {
			km.reverse[pair[0]] = pair[1]
			km.forward[pair[1]] = pair[0]
		}
	}
	return km
}

// Key translates the last two segments of a q/k/v projection name. Other
// names are returned unchanged.
func (km KeyMap) Key(name string, dir Direction) string {
	if !isQKV(name) {
		return name
	}

	keys := km.forward
	if dir == Reverse {
		keys = km.reverse
	}

	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return name
	}

	prefix, suffix := strings.Join(parts[:len(parts)-2], "."), strings.Join(parts[len(parts)-2:], ".")
	key, ok := keys[suffix]
	if !ok {
		return name
	}

	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

var qkvLinearKeyMap = NewKeyMap(true)

// ToFused renames a separate projection, e.g. self_attn.q_proj.weight, to its
// qkv linear key, self_attn.qkv_proj.weight_q.
func ToFused(name string) string {
	return qkvLinearKeyMap.Key(name, Reverse)
}

// ToUnfused is the inverse of ToFused.
func ToUnfused(name string) string {
	return qkvLinearKeyMap.Key(name, Forward)
}

// megatronNames pairs megatron names with HuggingFace names. Order matters:
// embedding and final norm entries must be tried before the generic
// language_model.encoder prefix they overlap with.
var megatronNames = [][2]string{
	{"language_model.embedding.word_embeddings.weight", "model.embed_tokens.weight"},
	{"language_model.encoder.final_layernorm.weight", "model.norm.weight"},
	{"language_model.encoder.", "model."},
	{"self_attention.", "self_attn."},
	{"core_attention.rotary_emb.inv_freq", "rotary_emb.inv_freq"},
	{"dense.weight", "o_proj.weight"},
	{"dense_h_to_4h.weight", "gate_up_proj.weight"},
	{"dense_4h_to_h.weight", "down_proj.weight"},
	{"language_model.output_layer.weight", "lm_head.weight"},
	{"query_key_value.weight", "qkv_proj.weight"},
}

// terminalMarkers end the replacement chain once a name has reached its final
// embedding or norm form, so "model.norm" is not rewritten again by the
// "model." prefix rule.
var terminalMarkers = []string{"embed", "final_layernorm", "model.norm"}

// RenameForStyle translates name between a sharded checkpoint style and the
// canonical HuggingFace style. HuggingFace style names are returned unchanged.
func RenameForStyle(name string, style Style, dir Direction) string {
	if style != StyleMegatron {
		return name
	}

	for _, pair := range megatronNames {
		from, to := pair[0], pair[1]
		if dir == Reverse {
			from, to = to, from
		}

		name = strings.ReplaceAll(name, from, to)

		for _, marker := range terminalMarkers {
			if strings.Contains(name, marker) && strings.Contains(pair[0]+pair[1], marker) {
				return name
			}
		}
	}

	return name
}
