// Package checkpoint reads and writes model states and locates the per-rank
// files of sharded checkpoints.
package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/jmorganca/shardconv/ml"
)

var ErrMissingShard = errors.New("missing shard")

var zipMagic = []byte("PK\x03\x04")

// Load reads a model state from path. Externalized checkpoints, PyTorch zip
// pickles and safetensors files are detected from their contents. modelKey
// selects a nested state dict in pickled checkpoints.
func Load(path, modelKey string) (ml.State, error) {
	if IsExternalized(path) {
		return LoadExternalized(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(len(zipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if bytes.Equal(magic, zipMagic) {
		return LoadTorch(path, modelKey)
	}

	return ReadSafetensors(br)
}

// Save writes s to path, in externalized form if externalized is set.
func Save(path string, s ml.State, externalized bool) error {
	if externalized {
		return SaveExternalized(path, s)
	}
	return SaveSafetensors(path, s)
}
