package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmorganca/shardconv/logutil"
	"github.com/jmorganca/shardconv/ml"
)

// InputPaths lists the locations a rank's checkpoint may be stored at, in
// the order they are tried.
func InputPaths(dir string, r ml.Rank, externalized bool) []string {
	v1 := filepath.Join(dir, fmt.Sprintf("tp_rank_%02d_pp_rank_%02d", r.TP, r.PP))
	if !externalized {
		v1 = filepath.Join(v1, "checkpoint.pt")
	}

	return []string{
		v1,
		filepath.Join(dir, fmt.Sprintf("dp_rank_00_tp_rank_%02d_pp_rank_%02d.pt", r.TP, r.PP)),
		filepath.Join(dir, fmt.Sprintf("dp_rank_00_ep_rank_%02d_tp_rank_%02d_pp_rank_%02d.pt", r.EP, r.TP, r.PP)),
	}
}

// FindInput returns the first existing input path of a rank.
func FindInput(dir string, r ml.Rank, externalized bool) (string, error) {
	paths := InputPaths(dir, r, externalized)
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: %s: none of %s exist", ErrMissingShard, r, strings.Join(paths, ", "))
}

// OutputPath is where a rank's checkpoint is written. The expert parallel
// rank is part of the name only when there is more than one.
func OutputPath(dir string, r ml.Rank, epSize int) string {
	name := fmt.Sprintf("dp_rank_00_tp_rank_%02d_pp_rank_%02d.pt", r.TP, r.PP)
	if epSize > 1 {
		name = fmt.Sprintf("dp_rank_00_ep_rank_%02d_tp_rank_%02d_pp_rank_%02d.pt", r.EP, r.TP, r.PP)
	}
	return filepath.Join(dir, "model", name)
}

// FullPath is where a full state is written.
func FullPath(dir string) string {
	return filepath.Join(dir, "checkpoint.pt")
}

// Dir loads partial states from a sharded checkpoint directory.
type Dir struct {
	Path         string
	Externalized bool
	ModelKey     string
}

func (d Dir) Partial(ctx context.Context, r ml.Rank) (ml.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := FindInput(d.Path, r, d.Externalized)
	if err != nil {
		return nil, err
	}

	slog.Debug("loading partial state", "path", path, logutil.Rank(r.TP, r.PP, r.EP))
	return Load(path, d.ModelKey)
}
