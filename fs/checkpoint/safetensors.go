package checkpoint

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/shardconv/ml"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors decodes a safetensors stream.
func ReadSafetensors(r io.Reader) (ml.State, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 || n > 100<<20 {
		return nil, fmt.Errorf("invalid safetensors header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	metas := make(map[string]safetensorMetadata, len(headers))
	for key, raw := range headers {
		if key == "__metadata__" {
			continue
		}

		var meta safetensorMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		if len(meta.Offsets) != 2 {
			return nil, fmt.Errorf("%s: invalid data offsets %v", key, meta.Offsets)
		}
		metas[key] = meta
	}

	// tensors are read in offset order so the stream is consumed once
	keys := maps.Keys(metas)
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Compare(metas[a].Offsets[0], metas[b].Offsets[0])
	})

	var pos int64
	s := make(ml.State, len(keys))
	for _, key := range keys {
		meta := metas[key]
		if meta.Offsets[0] < pos || meta.Offsets[1] < meta.Offsets[0] {
			return nil, fmt.Errorf("%s: invalid data offsets %v", key, meta.Offsets)
		}

		if _, err := io.CopyN(io.Discard, r, meta.Offsets[0]-pos); err != nil {
			return nil, err
		}

		bts := make([]byte, meta.Offsets[1]-meta.Offsets[0])
		if _, err := io.ReadFull(r, bts); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		pos = meta.Offsets[1]

		dtype, err := ml.ParseDType(meta.Type)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		t, err := decodeTensor(dtype, meta.Shape, bts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		s[key] = t
	}

	return s, nil
}

// WriteSafetensors encodes s as safetensors. Tensors are written in name
// order in their own dtype.
func WriteSafetensors(w io.Writer, s ml.State) error {
	names := s.Names()

	headers := make(map[string]safetensorMetadata, len(names))
	var offset int64
	for _, name := range names {
		t := s[name]
		size := int64(t.Len() * t.DType().Size())
		headers[name] = safetensorMetadata{
			Type:    string(t.DType()),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// pad the header so tensor data is 8 byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := w.Write(encodeTensor(s[name])); err != nil {
			return err
		}
	}

	return nil
}

// SaveSafetensors writes s to path, creating parent directories.
func SaveSafetensors(path string, s ml.State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	bw := bufio.NewWriter(f)
	if err := WriteSafetensors(bw, s); err != nil {
		return errors.Join(err, f.Close())
	}

	if err := bw.Flush(); err != nil {
		return errors.Join(err, f.Close())
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

func decodeTensor(dtype ml.DType, shape []int, bts []byte) (*ml.Tensor, error) {
	var f32s []float32
	switch dtype {
	case ml.DTypeF32:
		f32s = make([]float32, len(bts)/4)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case ml.DTypeF16:
		u16s := make([]uint16, len(bts)/2)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case ml.DTypeBF16:
		f32s = bfloat16.DecodeFloat32(bts)
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}

	if len(shape) == 0 {
		shape = []int{len(f32s)}
	}

	return ml.NewTensor(dtype, shape, f32s)
}

func encodeTensor(t *ml.Tensor) []byte {
	f32s := t.Floats()
	switch t.DType() {
	case ml.DTypeF16:
		bts := make([]byte, 2*len(f32s))
		for i := range f32s {
			binary.LittleEndian.PutUint16(bts[2*i:], float16.Fromfloat32(f32s[i]).Bits())
		}
		return bts
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(f32s)
	default:
		bts := make([]byte, 4*len(f32s))
		for i := range f32s {
			binary.LittleEndian.PutUint32(bts[4*i:], math.Float32bits(f32s[i]))
		}
		return bts
	}
}
