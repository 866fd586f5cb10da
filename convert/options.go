package convert

import (
	"strings"

	"github.com/jmorganca/shardconv/ml"
)

// StateFunc transforms a full state. Merger and Splitter accept one as a
// hook for model specific adjustments.
type StateFunc func(ml.State) (ml.State, error)

// Options describe how a sharded checkpoint is laid out.
type Options struct {
	Topology ml.Topology
	// VirtualPP is the number of virtual pipeline stages per pipeline rank.
	VirtualPP int

	// CoalesceQKV packs q, k and v into one qkv_proj.weight per layer.
	CoalesceQKV bool
	// FuseQKV stores qkv linear projections as a single qkv_proj.weight_qkv.
	FuseQKV bool
	// QKVLinear names projections qkv_proj.weight_{q,k,v} and replicates KV
	// heads KVMultiplier times.
	QKVLinear    bool
	KVMultiplier int
	Layout       Layout
	Style        Style
}

func (o Options) headLayout(c Config) HeadLayout {
	return c.HeadLayout(max(o.KVMultiplier, 1), o.Layout)
}

func (o Options) keyMap() KeyMap {
	return NewKeyMap(o.QKVLinear)
}

// reshuffle reports whether query and output projections follow the KV
// replication head order. Megatron checkpoints slice them plainly, so query
// heads are never replicated there, even when KVMultiplier > 1.
func (o Options) reshuffle() bool {
	return o.QKVLinear && o.Style != StyleMegatron
}

// kind is how a canonical parameter is sharded over tensor parallel ranks.
type kind int

const (
	kindReplicated kind = iota
	kindPlain
	kindHeads
	kindOutput
	kindKV
	kindGateUp
	kindGatePart
	kindCoalesced
)

func (o Options) classify(r *Resolver, name string) (kind, int, error) {
	role := r.Role(name)
	if role == RoleNone {
		return kindReplicated, 0, nil
	}

	axis, err := r.Axis(role)
	if err != nil {
		return 0, 0, err
	}

	switch {
	case strings.HasSuffix(name, "qkv_proj.weight"):
		return kindCoalesced, axis, nil
	case strings.Contains(name, "gate_up_proj"):
		return kindGateUp, axis, nil
	case role == RoleGateUp || role == RoleExpertGateUp:
		return kindGatePart, axis, nil
	case o.QKVLinear && role == RoleQKV && !strings.Contains(name, "qkv_proj") && (strings.Contains(name, "k_proj") || strings.Contains(name, "v_proj")):
		return kindKV, axis, nil
	case o.reshuffle() && role == RoleQKV && strings.Contains(name, "q_proj"):
		return kindHeads, axis, nil
	case o.reshuffle() && role == RoleOProj:
		return kindOutput, axis, nil
	default:
		return kindPlain, axis, nil
	}
}
