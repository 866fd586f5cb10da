package convert

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jmorganca/shardconv/logutil"
	"github.com/jmorganca/shardconv/ml"
)

// PartialSource loads the partial state of one rank.
type PartialSource interface {
	Partial(ctx context.Context, rank ml.Rank) (ml.State, error)
}

// PartialStates is an in-memory PartialSource.
type PartialStates map[ml.Rank]ml.State

func (p PartialStates) Partial(_ context.Context, rank ml.Rank) (ml.State, error) {
	s, ok := p[rank]
	if !ok {
		return nil, fmt.Errorf("%w: no partial state for %s", ErrMissingShard, rank)
	}
	return s, nil
}

// Merger reassembles a full state from the partial states of every rank.
type Merger struct {
	Config   Config
	Options  Options
	Resolver *Resolver
	// PostProcess, if set, is applied to the merged full state.
	PostProcess StateFunc
}

// Merge visits ranks with tp outermost and ep innermost, accumulating each
// parameter until its last shard arrives.
func (m *Merger) Merge(ctx context.Context, src PartialSource) (ml.State, error) {
	topo := m.Options.Topology
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTopologyMismatch, err)
	}

	resolver := m.Resolver
	if resolver == nil {
		resolver = NewResolver(nil)
	}

	layout := m.Options.headLayout(m.Config)
	if m.Options.reshuffle() {
		if err := layout.Validate(topo.TP); err != nil {
			return nil, err
		}
	}

	acc := accumulator{
		merger:   m,
		resolver: resolver,
		layout:   layout,
		full:     make(ml.State),
		pending:  make(map[string]*shardEntry),
	}

	for _, rank := range topo.Ranks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		partial, err := src.Partial(ctx, rank)
		if err != nil {
			return nil, err
		}

		slog.Info("merging partial state", logutil.Rank(rank.TP, rank.PP, rank.EP), "tensors", len(partial))

		partial, err = m.normalize(partial)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rank, err)
		}

		for _, name := range partial.Names() {
			if err := acc.add(name, partial[name], rank); err != nil {
				return nil, fmt.Errorf("%s %s: %w", rank, name, err)
			}
		}
	}

	if len(acc.pending) > 0 {
		names := make([]string, 0, len(acc.pending))
		for name := range acc.pending {
			names = append(names, name)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("%w: incomplete shards for %s", ErrMissingShard, strings.Join(names, ", "))
	}

	full := acc.full
	if m.PostProcess != nil {
		var err error
		if full, err = m.PostProcess(full); err != nil {
			return nil, err
		}
	}

	return full, nil
}

// normalize translates a partial state's names into canonical full state
// names.
func (m *Merger) normalize(partial ml.State) (ml.State, error) {
	renamed := make(ml.State, len(partial))
	for name, t := range partial {
		canonical := RenameForStyle(name, m.Options.Style, Forward)
		if _, ok := renamed[canonical]; ok {
			return nil, fmt.Errorf("%s and another parameter are both named %s", name, canonical)
		}
		renamed[canonical] = t
	}

	var err error
	if m.Options.Style == StyleMegatron {
		if renamed, err = unpackMegatronQKV(renamed, m.Options.QKVLinear); err != nil {
			return nil, err
		}
	}

	if m.Options.FuseQKV {
		qRows := m.Config.NumAttentionHeads * m.Config.HeadDim() / m.Options.Topology.TP
		if renamed, err = UnfuseQKV(renamed, qRows); err != nil {
			return nil, err
		}
	}

	km := m.Options.keyMap()
	out := make(ml.State, len(renamed))
	for name, t := range renamed {
		out[km.Key(name, Forward)] = t
	}

	return out, nil
}

// shardEntry collects the tensor parallel shards of one parameter. Expert
// parameters first collect their expert parallel pieces for the current
// tensor parallel rank.
type shardEntry struct {
	kind   kind
	axis   int
	expert bool
	// want is the number of tensor parallel shards to collect.
	want int
	done []*ml.Tensor
	ep   []*ml.Tensor
}

// add records t from rank and reports whether every shard has arrived.
func (e *shardEntry) add(t *ml.Tensor, rank ml.Rank, epSize int) (bool, error) {
	if rank.TP != len(e.done) {
		return false, fmt.Errorf("%w: got tp rank %d, expected %d", ErrAmbiguousExpertAccumulation, rank.TP, len(e.done))
	}

	if !e.expert {
		e.done = append(e.done, t)
		return len(e.done) == e.want, nil
	}

	if rank.EP != len(e.ep) {
		return false, fmt.Errorf("%w: got ep rank %d, expected %d", ErrAmbiguousExpertAccumulation, rank.EP, len(e.ep))
	}

	e.ep = append(e.ep, t)
	if rank.EP < epSize-1 {
		return false, nil
	}

	joined, err := ml.Concat(0, e.ep...)
	if err != nil {
		return false, err
	}

	e.done = append(e.done, joined)
	e.ep = nil
	return len(e.done) == e.want, nil
}

type accumulator struct {
	merger   *Merger
	resolver *Resolver
	layout   HeadLayout
	full     ml.State
	pending  map[string]*shardEntry
}

func (a *accumulator) add(name string, t *ml.Tensor, rank ml.Rank) error {
	expert := isExpert(name)
	if !expert && rank.EP > 0 {
		slog.Debug("skipping non-expert parameter on expert rank", "name", name, "ep", rank.EP)
		return nil
	}

	k, axis, err := a.merger.Options.classify(a.resolver, name)
	if err != nil {
		return err
	}

	switch k {
	case kindReplicated:
		if !expert {
			return a.replicated(name, t, rank)
		}
		if rank.TP > 0 {
			// expert parameters without a tensor parallel role are
			// identical on every tp rank
			return nil
		}
		return a.collect(name, t, rank, k, axis, 1)
	case kindCoalesced:
		return a.coalesced(name, t, rank, axis)
	default:
		return a.collect(name, t, rank, k, axis, a.merger.Options.Topology.TP)
	}
}

// replicated keeps the first copy of a parameter that every rank holds.
func (a *accumulator) replicated(name string, t *ml.Tensor, rank ml.Rank) error {
	first, ok := a.full[name]
	if !ok {
		a.full[name] = t
		return nil
	}

	if !slices.Equal(first.Shape(), t.Shape()) {
		return fmt.Errorf("%w: replicated parameter has shape %v, first copy %v", ErrTopologyMismatch, t.Shape(), first.Shape())
	}

	if !first.Equal(t) {
		slog.Warn("replicated parameter differs between ranks, keeping first copy", "name", name, logutil.Rank(rank.TP, rank.PP, rank.EP))
	}

	return nil
}

// coalesced splits a rank's packed [q; k; v] block and collects each part.
func (a *accumulator) coalesced(name string, t *ml.Tensor, rank ml.Rank, axis int) error {
	c, tp := a.merger.Config, a.merger.Options.Topology.TP
	qRows, kvRows := c.NumAttentionHeads*c.HeadDim(), c.KVHeads()*c.HeadDim()
	if qRows%tp != 0 || kvRows%tp != 0 {
		return fmt.Errorf("%w: q rows %d and kv rows %d are not divisible by tp size %d", ErrTopologyMismatch, qRows, kvRows, tp)
	}

	qRows, kvRows = qRows/tp, kvRows/tp
	if t.Dim(axis) != qRows+2*kvRows {
		return fmt.Errorf("%w: coalesced qkv has %d rows, expected %d", ErrTopologyMismatch, t.Dim(axis), qRows+2*kvRows)
	}

	prefix := strings.TrimSuffix(name, "qkv_proj.weight")
	for _, part := range []struct {
		name          string
		offset, count int
	}{
		{prefix + "q_proj.weight", 0, qRows},
		{prefix + "k_proj.weight", qRows, kvRows},
		{prefix + "v_proj.weight", qRows + kvRows, kvRows},
	} {
		p, err := t.Narrow(axis, part.offset, part.count)
		if err != nil {
			return err
		}

		if err := a.collect(part.name, p, rank, kindPlain, axis, tp); err != nil {
			return err
		}
	}

	return nil
}

func (a *accumulator) collect(name string, t *ml.Tensor, rank ml.Rank, k kind, axis, want int) error {
	e, ok := a.pending[name]
	if !ok {
		if _, merged := a.full[name]; merged {
			return fmt.Errorf("%w: parameter already merged", ErrAmbiguousExpertAccumulation)
		}

		e = &shardEntry{kind: k, axis: axis, expert: isExpert(name), want: want}
		a.pending[name] = e
	}

	complete, err := e.add(t, rank, a.merger.Options.Topology.EP)
	if err != nil || !complete {
		return err
	}

	delete(a.pending, name)

	merged, err := a.finalize(name, e)
	if err != nil {
		return err
	}

	for n, t := range merged {
		if _, ok := a.full[n]; ok {
			return fmt.Errorf("%w: %s merged twice", ErrAmbiguousExpertAccumulation, n)
		}

		logutil.Trace("merged parameter", "name", n, "shape", t.Shape())
		a.full[n] = t
	}

	return nil
}

func (a *accumulator) finalize(name string, e *shardEntry) (ml.State, error) {
	var (
		t   *ml.Tensor
		err error
	)

	switch e.kind {
	case kindHeads:
		t, err = a.layout.MergeHeads(e.done)
	case kindOutput:
		t, err = a.layout.MergeOutput(e.done)
	case kindKV:
		t, err = a.layout.UnreplicateKV(e.done)
	case kindGateUp:
		return mergeGateUp(name, e)
	default:
		t, err = ml.Concat(e.axis, e.done...)
	}

	if err != nil {
		return nil, err
	}

	return ml.State{name: t}, nil
}

// mergeGateUp reassembles fused gate/up projections. Each shard holds its
// gate rows followed by its up rows along the partition axis. Dense
// projections are emitted as separate gate_proj and up_proj tensors.
func mergeGateUp(name string, e *shardEntry) (ml.State, error) {
	gates := make([]*ml.Tensor, len(e.done))
	ups := make([]*ml.Tensor, len(e.done))
	for i, t := range e.done {
		halves, err := t.Chunk(e.axis, 2)
		if err != nil {
			return nil, fmt.Errorf("%w: gate_up shard %v has no even halves", ErrTopologyMismatch, t.Shape())
		}
		gates[i], ups[i] = halves[0], halves[1]
	}

	gate, err := ml.Concat(e.axis, gates...)
	if err != nil {
		return nil, err
	}

	up, err := ml.Concat(e.axis, ups...)
	if err != nil {
		return nil, err
	}

	if !e.expert {
		return ml.State{
			strings.Replace(name, "gate_up_proj", "gate_proj", 1): gate,
			strings.Replace(name, "gate_up_proj", "up_proj", 1):   up,
		}, nil
	}

	gateUp, err := ml.Concat(e.axis, gate, up)
	if err != nil {
		return nil, err
	}

	return ml.State{name: gateUp}, nil
}
