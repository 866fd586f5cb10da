package convert

import (
	"fmt"
	"maps"
	"strings"
)

// Role is the structural role of a parameter. It decides the axis a
// parameter is split along when it is sharded across tensor parallel ranks.
type Role int

const (
	// RoleNone parameters are replicated on every tensor parallel rank.
	RoleNone Role = iota
	// RoleEmbedding is a vocab parallel embedding or output head.
	RoleEmbedding
	// RoleQKV is a column parallel query, key or value projection.
	RoleQKV
	// RoleGateUp is a column parallel gate or up projection.
	RoleGateUp
	// RoleDownProj is a row parallel down projection.
	RoleDownProj
	// RoleOProj is the row parallel attention output projection.
	RoleOProj
	// RoleExpertGateUp is a fused gate/up projection of a mixture of experts
	// block, shaped [experts, hidden, 2*intermediate].
	RoleExpertGateUp
	// RoleExpertDownProj is the down projection of a mixture of experts block,
	// shaped [experts, intermediate, hidden].
	RoleExpertDownProj
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleEmbedding:
		return "embedding"
	case RoleQKV:
		return "qkv"
	case RoleGateUp:
		return "gate_up"
	case RoleDownProj:
		return "down_proj"
	case RoleOProj:
		return "o_proj"
	case RoleExpertGateUp:
		return "expert_gate_up"
	case RoleExpertDownProj:
		return "expert_down_proj"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// PartitionTable maps a role to the tensor axis it is sharded along.
type PartitionTable map[Role]int

// DefaultPartitionTable matches the parallel layers of the runtime: vocab and
// column parallel layers split their output rows, row parallel layers split
// their input columns and expert layers split the non-expert axis.
func DefaultPartitionTable() PartitionTable {
	return PartitionTable{
		RoleEmbedding:      0,
		RoleQKV:            0,
		RoleGateUp:         0,
		RoleDownProj:       1,
		RoleOProj:          1,
		RoleExpertGateUp:   2,
		RoleExpertDownProj: 1,
	}
}

type roleRule struct {
	role  Role
	match func(string) bool
}

// roleRules is evaluated in order and the first match wins. Embeddings come
// first, expert rules precede the dense gate/up/down rules they overlap and
// QKV precedes the generic output projection rule.
var roleRules = []roleRule{
	{RoleEmbedding, containsAny("embed_tokens", "lm_head")},
	{RoleExpertGateUp, allOf(isExpert, containsAny("gate_up_proj", "gate_proj", "up_proj"))},
	{RoleExpertDownProj, allOf(isExpert, containsAny("down_proj"))},
	{RoleQKV, isQKV},
	{RoleGateUp, containsAny("gate_up_proj", "gate_proj", "up_proj")},
	{RoleDownProj, allOf(containsAny("down_proj"), not(isBias))},
	{RoleOProj, allOf(containsAny("o_proj"), not(isBias))},
}

func containsAny(subs ...string) func(string) bool {
	return func(name string) bool {
		for _, sub := range subs {
			if strings.Contains(name, sub) {
				return true
			}
		}
		return false
	}
}

func allOf(fns ...func(string) bool) func(string) bool {
	return func(name string) bool {
		for _, fn := range fns {
			if !fn(name) {
				return false
			}
		}
		return true
	}
}

func not(fn func(string) bool) func(string) bool {
	return func(name string) bool { return !fn(name) }
}

var isQKV = containsAny("q_proj", "k_proj", "v_proj", "qkv_proj", "query_key_value")

func isExpert(name string) bool {
	return strings.Contains(name, "expert_mlps")
}

func isBias(name string) bool {
	return strings.HasSuffix(name, ".bias") || strings.Contains(name, ".bias_")
}

// Resolver classifies parameter names and resolves their partition axis.
type Resolver struct {
	table PartitionTable
}

// NewResolver returns a resolver backed by a copy of table. A nil table
// selects DefaultPartitionTable.
func NewResolver(table PartitionTable) *Resolver {
	if table == nil {
		table = DefaultPartitionTable()
	}
	return &Resolver{table: maps.Clone(table)}
}

// Role returns the first matching role for name, or RoleNone.
func (r *Resolver) Role(name string) Role {
	for _, rule := range roleRules {
		if rule.match(name) {
			return rule.role
		}
	}
	return RoleNone
}

// Axis returns the partition axis of a role.
func (r *Resolver) Axis(role Role) (int, error) {
	axis, ok := r.table[role]
	if !ok || role == RoleNone {
		return 0, fmt.Errorf("%w: no partition axis for role %s", ErrUnknownParameterRole, role)
	}
	return axis, nil
}

// Resolve returns the axis name was split along.
func (r *Resolver) Resolve(name string) (int, error) {
	role := r.Role(name)
	if role == RoleNone {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParameterRole, name)
	}
	return r.Axis(role)
}
