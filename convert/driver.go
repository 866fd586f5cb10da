package convert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/shardconv/fs/checkpoint"
	"github.com/jmorganca/shardconv/logutil"
	"github.com/jmorganca/shardconv/ml"
)

// Mode is the conversion a run performs.
type Mode int

const (
	ModeFromFull Mode = iota
	ModeToFull
	ModeFromExternalized
	ModeToExternalized
)

func (m Mode) String() string {
	switch m {
	case ModeFromFull:
		return "from full state"
	case ModeToFull:
		return "to full state"
	case ModeFromExternalized:
		return "from externalized storage"
	case ModeToExternalized:
		return "to externalized storage"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Args configure a conversion run.
type Args struct {
	FromFull         bool
	ToFull           bool
	FromExternalized bool
	ToExternalized   bool

	// InputDir is the full state file when converting from a full state and
	// the sharded checkpoint directory otherwise.
	InputDir string
	// HFModelName selects a full state from the local HuggingFace cache
	// under HFHome when InputDir is empty.
	HFModelName string
	HFHome      string
	OutputDir   string
	// ConfigPath is a config.json or training YAML file.
	ConfigPath string
	// NumLayers, if set, overrides the layer count of the model config.
	NumLayers int
	ModelKey  string

	LoadExternalized bool
	SaveExternalized bool

	Options

	// Parallel bounds the ranks split and written concurrently.
	Parallel int

	Resolver    *Resolver
	PreProcess  StateFunc
	PostProcess StateFunc

	// OnRank, if set, is called once for every rank written or read. It may
	// be called concurrently when Parallel is above one.
	OnRank func(ml.Rank, ml.State)
}

// Mode returns the single conversion mode requested.
func (a Args) Mode() (Mode, error) {
	var modes []Mode
	for mode, set := range map[Mode]bool{
		ModeFromFull:         a.FromFull,
		ModeToFull:           a.ToFull,
		ModeFromExternalized: a.FromExternalized,
		ModeToExternalized:   a.ToExternalized,
	} {
		if set {
			modes = append(modes, mode)
		}
	}

	if len(modes) != 1 {
		return 0, fmt.Errorf("%w: exactly one conversion mode must be set, got %d", ErrInvalidMode, len(modes))
	}

	return modes[0], nil
}

// Run performs the conversion described by a.
func Run(ctx context.Context, a Args) error {
	mode, err := a.Mode()
	if err != nil {
		return err
	}

	if err := a.Topology.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrTopologyMismatch, err)
	}

	if a.OutputDir == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidMode)
	}

	slog.Info("converting checkpoint", "mode", mode, "tp", a.Topology.TP, "pp", a.Topology.PP, "ep", a.Topology.EP)

	switch mode {
	case ModeFromFull:
		return a.fromFull(ctx)
	case ModeToFull:
		return a.toFull(ctx)
	case ModeFromExternalized:
		return a.restore(ctx, true, false)
	default:
		return a.restore(ctx, false, true)
	}
}

func (a Args) config() (*Config, error) {
	if a.ConfigPath == "" {
		return nil, fmt.Errorf("%w: a model config is required", ErrInvalidMode)
	}

	c, err := LoadConfig(a.ConfigPath)
	if err != nil {
		return nil, err
	}

	if a.NumLayers > 0 {
		c.NumHiddenLayers = a.NumLayers
	}

	return c, nil
}

func (a Args) loadFull() (ml.State, error) {
	switch {
	case a.InputDir != "":
		return checkpoint.Load(a.InputDir, a.ModelKey)
	case a.HFModelName != "":
		dir, err := checkpoint.HubSnapshot(a.HFHome, a.HFModelName)
		if err != nil {
			return nil, err
		}

		slog.Info("loading cached model", "model", a.HFModelName, "snapshot", dir)
		return checkpoint.LoadSnapshot(dir)
	default:
		return nil, fmt.Errorf("%w: either an input path or a HuggingFace model name is required", ErrInvalidMode)
	}
}

func (a Args) fromFull(ctx context.Context) error {
	config, err := a.config()
	if err != nil {
		return err
	}

	full, err := a.loadFull()
	if err != nil {
		return err
	}

	s := Splitter{Config: *config, Options: a.Options, Resolver: a.Resolver, PreProcess: a.PreProcess}
	p, err := s.Partition(full)
	if err != nil {
		return err
	}

	if full, err = s.Prepare(full); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.Parallel, 1))
	for _, rank := range a.Topology.Ranks() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			partial, err := s.SplitRank(full, p, rank)
			if err != nil {
				return err
			}

			path := checkpoint.OutputPath(a.OutputDir, rank, a.Topology.EP)
			slog.Info("saving partial state", "path", path, logutil.Rank(rank.TP, rank.PP, rank.EP))
			if err := checkpoint.Save(path, partial, a.SaveExternalized); err != nil {
				return fmt.Errorf("%s: %w", rank, err)
			}

			if a.OnRank != nil {
				a.OnRank(rank, partial)
			}
			return nil
		})
	}

	return g.Wait()
}

func (a Args) toFull(ctx context.Context) error {
	config, err := a.config()
	if err != nil {
		return err
	}

	var src PartialSource = checkpoint.Dir{Path: a.InputDir, Externalized: a.LoadExternalized, ModelKey: a.ModelKey}
	if a.OnRank != nil {
		src = reportingSource{src, a.OnRank}
	}

	m := Merger{Config: *config, Options: a.Options, Resolver: a.Resolver, PostProcess: a.PostProcess}
	full, err := m.Merge(ctx, src)
	if err != nil {
		return err
	}

	path := checkpoint.FullPath(a.OutputDir)
	slog.Info("saving full state", "path", path, "tensors", len(full))
	return checkpoint.Save(path, full, false)
}

// restore rewrites every rank's checkpoint in a different storage format
// without changing its contents.
func (a Args) restore(ctx context.Context, loadExternalized, saveExternalized bool) error {
	for _, rank := range a.Topology.Ranks() {
		if err := ctx.Err(); err != nil {
			return err
		}

		in, err := checkpoint.FindInput(a.InputDir, rank, loadExternalized)
		if err != nil {
			return err
		}

		partial, err := checkpoint.Load(in, a.ModelKey)
		if err != nil {
			return err
		}

		out := checkpoint.OutputPath(a.OutputDir, rank, a.Topology.EP)
		if strings.EqualFold(in, out) {
			return fmt.Errorf("%w: %s would overwrite its input", ErrInvalidMode, out)
		}

		slog.Info("rewriting partial state", "from", in, "to", out, "externalized", saveExternalized)
		if err := checkpoint.Save(out, partial, saveExternalized); err != nil {
			return err
		}

		if a.OnRank != nil {
			a.OnRank(rank, partial)
		}
	}

	return nil
}

type reportingSource struct {
	PartialSource
	fn func(ml.Rank, ml.State)
}

func (r reportingSource) Partial(ctx context.Context, rank ml.Rank) (ml.State, error) {
	s, err := r.PartialSource.Partial(ctx, rank)
	if err == nil {
		r.fn(rank, s)
	}
	return s, err
}
