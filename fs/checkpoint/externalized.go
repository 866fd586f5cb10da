package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/jmorganca/shardconv/ml"
)

// Externalized checkpoints keep a small index at their path and the tensor
// data in one file per tensor under "<path>.tensors".
const tensorsSuffix = ".tensors"

type externalIndex struct {
	Version int             `cbor:"version"`
	Tensors []externalEntry `cbor:"tensors"`
}

type externalEntry struct {
	Name     string `cbor:"name"`
	DType    string `cbor:"dtype"`
	Shape    []int  `cbor:"shape"`
	File     string `cbor:"file"`
	Checksum uint64 `cbor:"xxhash"`
}

// IsExternalized reports whether path has an externalized tensor directory.
func IsExternalized(path string) bool {
	fi, err := os.Stat(path + tensorsSuffix)
	return err == nil && fi.IsDir()
}

// SaveExternalized writes s as an index at path and raw tensor files under
// path's tensor directory.
func SaveExternalized(path string, s ml.State) error {
	dir := path + tensorsSuffix
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	index := externalIndex{Version: 1}
	for i, name := range s.Names() {
		t := s[name]
		bts := encodeTensor(t)

		file := fmt.Sprintf("tensor_%d.pt", i)
		if err := os.WriteFile(filepath.Join(dir, file), bts, 0o644); err != nil {
			return err
		}

		index.Tensors = append(index.Tensors, externalEntry{
			Name:     name,
			DType:    string(t.DType()),
			Shape:    t.Shape(),
			File:     file,
			Checksum: xxhash.Sum64(bts),
		})
	}

	bts, err := cbor.Marshal(index)
	if err != nil {
		return err
	}

	return os.WriteFile(path, bts, 0o644)
}

// LoadExternalized reads a checkpoint written by SaveExternalized.
func LoadExternalized(path string) (ml.State, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var index externalIndex
	if err := cbor.Unmarshal(bts, &index); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if index.Version != 1 {
		return nil, fmt.Errorf("%s: unsupported index version %d", path, index.Version)
	}

	s := make(ml.State, len(index.Tensors))
	for _, e := range index.Tensors {
		data, err := os.ReadFile(filepath.Join(path+tensorsSuffix, filepath.Base(e.File)))
		if err != nil {
			return nil, err
		}

		if sum := xxhash.Sum64(data); sum != e.Checksum {
			return nil, fmt.Errorf("%s: %s: checksum mismatch %016x != %016x", path, e.Name, sum, e.Checksum)
		}

		dtype, err := ml.ParseDType(e.DType)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, e.Name, err)
		}

		t, err := decodeTensor(dtype, e.Shape, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, e.Name, err)
		}
		s[e.Name] = t
	}

	return s, nil
}
