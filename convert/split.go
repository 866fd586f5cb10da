package convert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmorganca/shardconv/logutil"
	"github.com/jmorganca/shardconv/ml"
)

// Splitter slices a full state into the partial state of every rank.
type Splitter struct {
	Config   Config
	Options  Options
	Resolver *Resolver
	// PreProcess, if set, is applied to the full state before slicing.
	PreProcess StateFunc
}

func (s *Splitter) resolver() *Resolver {
	if s.Resolver == nil {
		return NewResolver(nil)
	}
	return s.Resolver
}

// Prepare applies whole-state transforms that precede slicing: QKV
// coalescing and the PreProcess hook.
func (s *Splitter) Prepare(full ml.State) (ml.State, error) {
	var err error
	if s.Options.CoalesceQKV {
		if full, err = CoalesceQKV(full, s.Options.Topology.TP); err != nil {
			return nil, err
		}
	}

	if s.PreProcess != nil {
		if full, err = s.PreProcess(full); err != nil {
			return nil, err
		}
	}

	return full, nil
}

// Partition checks full against the model config and divides its layers
// over the pipeline stages.
func (s *Splitter) Partition(full ml.State) (*PipelinePartition, error) {
	if err := s.Config.Check(full); err != nil {
		return nil, err
	}

	vpp := max(s.Options.VirtualPP, 1)
	p, err := NewPipelinePartition(full.Names(), s.Options.Topology.PP, vpp)
	if err != nil {
		return nil, err
	}

	slog.Info("pipeline partition", "stages", s.Options.Topology.PP*vpp, "cuts", p.Cuts())
	return p, nil
}

// Split returns the partial state of every rank.
func (s *Splitter) Split(ctx context.Context, full ml.State) (map[ml.Rank]ml.State, error) {
	if err := s.Options.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopologyMismatch, err)
	}

	p, err := s.Partition(full)
	if err != nil {
		return nil, err
	}

	full, err = s.Prepare(full)
	if err != nil {
		return nil, err
	}

	partials := make(map[ml.Rank]ml.State)
	for _, rank := range s.Options.Topology.Ranks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		partial, err := s.SplitRank(full, p, rank)
		if err != nil {
			return nil, err
		}
		partials[rank] = partial
	}

	return partials, nil
}

// SplitRank returns rank's partial state. full must already be prepared.
// SplitRank does not modify full and may be called concurrently for
// different ranks.
func (s *Splitter) SplitRank(full ml.State, p *PipelinePartition, rank ml.Rank) (ml.State, error) {
	topo := s.Options.Topology
	if !topo.Contains(rank) {
		return nil, fmt.Errorf("%w: %s is outside tp=%d pp=%d ep=%d", ErrTopologyMismatch, rank, topo.TP, topo.PP, topo.EP)
	}

	layout := s.Options.headLayout(s.Config)
	if s.Options.reshuffle() {
		if err := layout.Validate(topo.TP); err != nil {
			return nil, err
		}
	}

	resolver := s.resolver()
	partial := make(ml.State)
	gateUp := make(map[string][2]*ml.Tensor)
	gateAxes := make(map[string]int)

	for _, name := range full.Names() {
		if !s.onStage(name, p, rank) {
			continue
		}

		t := full[name]
		if isExpert(name) {
			var err error
			if t, err = narrowRank(t, 0, rank.EP, topo.EP); err != nil {
				return nil, fmt.Errorf("%s: expert axis: %w", name, err)
			}
		} else if rank.EP > 0 {
			continue
		}

		k, axis, err := s.Options.classify(resolver, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		part, err := s.slice(k, axis, t, rank.TP, layout)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", rank, name, err)
		}

		if k == kindGatePart {
			fused, half := gateUpName(name)
			pair := gateUp[fused]
			pair[half] = part
			gateUp[fused] = pair
			gateAxes[fused] = axis
			continue
		}

		partial[name] = part
	}

	for name, pair := range gateUp {
		if pair[0] == nil || pair[1] == nil {
			return nil, fmt.Errorf("%s: gate and up projections must both be present", name)
		}

		fused, err := ml.Concat(gateAxes[name], pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		partial[name] = fused
	}

	partial, err := s.finish(partial)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rank, err)
	}

	slog.Debug("split partial state", logutil.Rank(rank.TP, rank.PP, rank.EP), "tensors", len(partial))
	return partial, nil
}

// onStage reports whether name belongs on rank's pipeline stage.
func (s *Splitter) onStage(name string, p *PipelinePartition, rank ml.Rank) bool {
	switch {
	case strings.Contains(name, "embed_tokens"):
		return rank.PP == 0
	case strings.Contains(name, "lm_head"), strings.Contains(name, "model.norm.weight"):
		return rank.PP == s.Options.Topology.PP-1
	}

	if layer, ok := LayerIndex(name); ok {
		return p.Rank(layer) == rank.PP
	}

	return true
}

func (s *Splitter) slice(k kind, axis int, t *ml.Tensor, tpRank int, layout HeadLayout) (*ml.Tensor, error) {
	tp := s.Options.Topology.TP
	switch k {
	case kindReplicated:
		return t.Clone(), nil
	case kindHeads:
		return layout.SplitHeads(t, tp, tpRank)
	case kindOutput:
		return layout.SplitOutput(t, tp, tpRank)
	case kindKV:
		return layout.ReplicateKV(t, tp, tpRank)
	case kindGateUp:
		halves, err := t.Chunk(axis, 2)
		if err != nil {
			return nil, fmt.Errorf("%w: gate_up %v has no even halves", ErrTopologyMismatch, t.Shape())
		}

		gate, err := narrowRank(halves[0], axis, tpRank, tp)
		if err != nil {
			return nil, err
		}

		up, err := narrowRank(halves[1], axis, tpRank, tp)
		if err != nil {
			return nil, err
		}

		return ml.Concat(axis, gate, up)
	default:
		return narrowRank(t, axis, tpRank, tp)
	}
}

// gateUpName returns the fused gate_up_proj name of a gate_proj or up_proj
// parameter and which half of it the parameter fills.
func gateUpName(name string) (string, int) {
	if strings.Contains(name, "gate_proj") {
		return strings.Replace(name, "gate_proj", "gate_up_proj", 1), 0
	}
	return strings.Replace(name, "up_proj", "gate_up_proj", 1), 1
}

// finish renames a sliced partial state into the checkpoint's naming style.
func (s *Splitter) finish(partial ml.State) (ml.State, error) {
	km := s.Options.keyMap()
	out := make(ml.State, len(partial))
	for name, t := range partial {
		renamed := RenameForStyle(km.Key(name, Reverse), s.Options.Style, Reverse)
		if _, ok := out[renamed]; ok {
			return nil, fmt.Errorf("%s and another parameter are both named %s", name, renamed)
		}
		out[renamed] = t
	}

	var err error
	if s.Options.Style == StyleMegatron {
		if out, err = packMegatronQKV(out, s.Options.QKVLinear); err != nil {
			return nil, err
		}
	}

	if s.Options.FuseQKV {
		if out, err = FuseQKV(out); err != nil {
			return nil, err
		}
	}

	return out, nil
}
