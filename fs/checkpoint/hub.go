package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmorganca/shardconv/ml"
)

var ErrModelNotCached = errors.New("model not found in HuggingFace cache")

// HubSnapshot returns the snapshot directory of a model in a local
// HuggingFace cache rooted at home, following the revision in refs/main.
func HubSnapshot(home, model string) (string, error) {
	org, name, ok := strings.Cut(model, "/")
	if !ok || org == "" || name == "" {
		return "", fmt.Errorf("invalid model name %q, expected organization/name", model)
	}

	repo := filepath.Join(home, "hub", "models--"+org+"--"+name)
	ref, err := os.ReadFile(filepath.Join(repo, "refs", "main"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrModelNotCached, model)
	} else if err != nil {
		return "", err
	}

	snapshot := filepath.Join(repo, "snapshots", strings.TrimSpace(string(ref)))
	if _, err := os.Stat(snapshot); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrModelNotCached, model, err)
	}

	return snapshot, nil
}

// LoadSnapshot reads every weight file of a model snapshot into one state.
// Safetensors files are preferred over PyTorch pickles.
func LoadSnapshot(dir string) (ml.State, error) {
	var matches []string
	for _, pattern := range []string{"*.safetensors", "pytorch_model*.bin", "*.pt"} {
		var err error
		matches, err = filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			break
		}
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no weights found in %s", dir)
	}

	full := make(ml.State)
	for _, match := range matches {
		s, err := Load(match, "")
		if err != nil {
			return nil, err
		}

		for name, t := range s {
			if _, ok := full[name]; ok {
				return nil, fmt.Errorf("duplicate tensor %s in %s", name, match)
			}
			full[name] = t
		}
	}

	return full, nil
}
