package convert

import (
	"fmt"
	"strings"

	"github.com/jmorganca/shardconv/ml"
)

// FuseQKV replaces every qkv_proj.weight_{q,k,v} triple with a single
// qkv_proj.weight_qkv tensor holding q, k and v stacked along the rows.
func FuseQKV(s ml.State) (ml.State, error) {
	out := make(ml.State, len(s))
	for _, name := range s.Names() {
		prefix, ok := strings.CutSuffix(name, "qkv_proj.weight_q")
		if !ok {
			if isQKVPart(name) {
				continue
			}
			out[name] = s[name]
			continue
		}

		q, k, v := s[name], s[prefix+"qkv_proj.weight_k"], s[prefix+"qkv_proj.weight_v"]
		if k == nil || v == nil {
			return nil, fmt.Errorf("fuse qkv: %s has no matching k and v projections", name)
		}

		qkv, err := ml.Concat(0, q, k, v)
		if err != nil {
			return nil, fmt.Errorf("fuse qkv %s: %w", name, err)
		}
		out[prefix+FusedQKVKey] = qkv
	}

	// weight_k/weight_v without a weight_q sibling are kept as is
	for _, name := range s.Names() {
		if !isQKVPart(name) {
			continue
		}
		prefix := name[:strings.LastIndex(name, "qkv_proj.weight_")]
		if _, ok := s[prefix+"qkv_proj.weight_q"]; !ok {
			out[name] = s[name]
		}
	}

	return out, nil
}

func isQKVPart(name string) bool {
	return strings.HasSuffix(name, "qkv_proj.weight_k") || strings.HasSuffix(name, "qkv_proj.weight_v")
}

// UnfuseQKV splits every qkv_proj.weight_qkv tensor into weight_q, weight_k
// and weight_v. qRows is the number of query rows; when zero the fused
// tensor is split into three equal parts.
func UnfuseQKV(s ml.State, qRows int) (ml.State, error) {
	out := make(ml.State, len(s))
	for name, t := range s {
		prefix, ok := strings.CutSuffix(name, FusedQKVKey)
		if !ok {
			out[name] = t
			continue
		}

		q, k, v, err := splitQKV(t, qRows)
		if err != nil {
			return nil, fmt.Errorf("unfuse qkv %s: %w", name, err)
		}

		out[prefix+"qkv_proj.weight_q"] = q
		out[prefix+"qkv_proj.weight_k"] = k
		out[prefix+"qkv_proj.weight_v"] = v
	}
	return out, nil
}

// splitQKV splits rows into qRows query rows followed by equally sized key
// and value rows.
func splitQKV(t *ml.Tensor, qRows int) (q, k, v *ml.Tensor, err error) {
	rows := t.Dim(0)
	if qRows <= 0 {
		if rows%3 != 0 {
			return nil, nil, nil, fmt.Errorf("%w: %d rows cannot be split into q, k and v", ErrTopologyMismatch, rows)
		}
		qRows = rows / 3
	}

	if qRows >= rows || (rows-qRows)%2 != 0 {
		return nil, nil, nil, fmt.Errorf("%w: %d rows cannot hold %d query rows and equal key and value rows", ErrTopologyMismatch, rows, qRows)
	}

	kvRows := (rows - qRows) / 2
	if q, err = t.Narrow(0, 0, qRows); err != nil {
		return nil, nil, nil, err
	}
	if k, err = t.Narrow(0, qRows, kvRows); err != nil {
		return nil, nil, nil, err
	}
	if v, err = t.Narrow(0, qRows+kvRows, kvRows); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v, nil
}

// CoalesceQKV packs the separate q, k and v projections of a full state into
// one qkv_proj.weight per layer, laid out so that a contiguous split into tp
// row blocks gives each rank its own [q; k; v] slices.
func CoalesceQKV(s ml.State, tp int) (ml.State, error) {
	out := make(ml.State, len(s))
	for name, t := range s {
		out[name] = t
	}

	for _, name := range s.Names() {
		prefix, ok := strings.CutSuffix(name, "q_proj.weight")
		if !ok || !strings.HasSuffix(prefix, "self_attn.") {
			continue
		}

		q, k, v := s[name], s[prefix+"k_proj.weight"], s[prefix+"v_proj.weight"]
		if k == nil || v == nil {
			return nil, fmt.Errorf("coalesce qkv: %s has no matching k and v projections", name)
		}

		var parts []*ml.Tensor
		for rank := range tp {
			for _, t := range []*ml.Tensor{q, k, v} {
				part, err := narrowRank(t, 0, rank, tp)
				if err != nil {
					return nil, fmt.Errorf("coalesce qkv %s: %w", name, err)
				}
				parts = append(parts, part)
			}
		}

		qkv, err := ml.Concat(0, parts...)
		if err != nil {
			return nil, fmt.Errorf("coalesce qkv %s: %w", name, err)
		}

		delete(out, name)
		delete(out, prefix+"k_proj.weight")
		delete(out, prefix+"v_proj.weight")
		out[prefix+"qkv_proj.weight"] = qkv
	}

	return out, nil
}

// packMegatronQKV converts canonical per-rank q/k/v tensors into megatron's
// attention keys: query_key_value for a plain column parallel layer, or
// query plus key_value for a qkv linear layer.
func packMegatronQKV(s ml.State, qkvLinear bool) (ml.State, error) {
	out := make(ml.State, len(s))
	for name, t := range s {
		out[name] = t
	}

	for _, name := range s.Names() {
		switch {
		case !qkvLinear && strings.Contains(name, "q_proj"):
			kName, vName := strings.Replace(name, "q_proj", "k_proj", 1), strings.Replace(name, "q_proj", "v_proj", 1)
			k, v := s[kName], s[vName]
			if k == nil || v == nil {
				return nil, fmt.Errorf("pack query_key_value: %s has no matching k and v projections", name)
			}

			qkv, err := ml.Concat(0, s[name], k, v)
			if err != nil {
				return nil, fmt.Errorf("pack query_key_value %s: %w", name, err)
			}

			delete(out, name)
			delete(out, kName)
			delete(out, vName)
			out[strings.Replace(name, "q_proj", "query_key_value", 1)] = qkv
		case qkvLinear && strings.Contains(name, "query_key_value.weight_q"):
			delete(out, name)
			out[strings.Replace(name, "query_key_value.weight_q", "query.weight", 1)] = s[name]
		case qkvLinear && strings.HasSuffix(name, "query_key_value.weight_k"):
			vName := strings.TrimSuffix(name, "_k") + "_v"
			v := s[vName]
			if v == nil {
				return nil, fmt.Errorf("pack key_value: %s has no matching value projection", name)
			}

			kv, err := ml.Concat(0, s[name], v)
			if err != nil {
				return nil, fmt.Errorf("pack key_value %s: %w", name, err)
			}

			delete(out, name)
			delete(out, vName)
			out[strings.Replace(name, "query_key_value.weight_k", "key_value.weight", 1)] = kv
		}
	}

	return out, nil
}

// unpackMegatronQKV is the inverse of packMegatronQKV for qkv linear
// checkpoints. Plain query_key_value tensors are handled by the merger as
// coalesced qkv_proj tensors.
func unpackMegatronQKV(s ml.State, qkvLinear bool) (ml.State, error) {
	if !qkvLinear {
		return s, nil
	}

	out := make(ml.State, len(s))
	for name, t := range s {
		switch {
		case strings.Contains(name, "query_key_value"):
			out[name] = t
		case strings.Contains(name, "query.weight"):
			out[strings.Replace(name, "query.weight", "qkv_proj.weight_q", 1)] = t
		case strings.Contains(name, "key_value.weight"):
			halves, err := t.Chunk(0, 2)
			if err != nil {
				return nil, fmt.Errorf("unpack key_value %s: %w", name, err)
			}
			out[strings.Replace(name, "key_value.weight", "qkv_proj.weight_k", 1)] = halves[0]
			out[strings.Replace(name, "key_value.weight", "qkv_proj.weight_v", 1)] = halves[1]
		default:
			out[name] = t
		}
	}
	return out, nil
}

// narrowRank returns rank's contiguous 1/size slice of t along axis.
func narrowRank(t *ml.Tensor, axis, rank, size int) (*ml.Tensor, error) {
	if axis >= t.Rank() {
		return nil, fmt.Errorf("%w: axis %d out of range for %v", ErrTopologyMismatch, axis, t.Shape())
	}

	dim := t.Dim(axis)
	if dim%size != 0 {
		return nil, fmt.Errorf("%w: dimension %d of size %d is not divisible by %d", ErrTopologyMismatch, axis, dim, size)
	}

	part := dim / size
	return t.Narrow(axis, rank*part, part)
}
