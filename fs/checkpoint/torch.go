package checkpoint

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/jmorganca/shardconv/ml"
)

// LoadTorch reads a pickled PyTorch state dict. When the top level holds a
// nested state dict under modelKey, that dict is returned instead.
func LoadTorch(path, modelKey string) (ml.State, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	entries, err := torchEntries(pt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if modelKey != "" {
		if nested, ok := entries[modelKey]; ok {
			if entries, err = torchEntries(nested); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, modelKey, err)
			}
		}
	}

	s := make(ml.State, len(entries))
	for name, v := range entries {
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			// optimizer state, step counters and other non tensor values
			continue
		}

		tt, err := torchTensor(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}
		s[name] = tt
	}

	return s, nil
}

func torchEntries(v any) (map[string]any, error) {
	entries := make(map[string]any)
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if name, ok := k.(string); ok {
				entries[name] = d.MustGet(k)
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if name, ok := entry.Key.(string); ok {
				entries[name] = entry.Value
			}
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint object %T", v)
	}
	return entries, nil
}

func torchTensor(t *pytorch.Tensor) (*ml.Tensor, error) {
	var (
		dtype ml.DType
		data  []float32
	)

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		dtype, data = ml.DTypeF32, s.Data
	case *pytorch.HalfStorage:
		dtype, data = ml.DTypeF16, s.Data
	case *pytorch.BFloat16Storage:
		dtype, data = ml.DTypeBF16, s.Data
	case *pytorch.DoubleStorage:
		dtype, data = ml.DTypeF32, make([]float32, len(s.Data))
		for i, f := range s.Data {
			data[i] = float32(f)
		}
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	shape := t.Size
	if len(shape) == 0 {
		shape = []int{1}
	}

	values, err := gather(data, t.StorageOffset, shape, t.Stride)
	if err != nil {
		return nil, err
	}

	return ml.NewTensor(dtype, shape, values)
}

// gather copies a strided view out of its storage in row-major order.
func gather(data []float32, offset int, shape, stride []int) ([]float32, error) {
	if len(stride) == 0 {
		stride = make([]int, len(shape))
		step := 1
		for i := len(shape) - 1; i >= 0; i-- {
			stride[i] = step
			step *= shape[i]
		}
	}

	if len(stride) != len(shape) {
		return nil, errors.New("tensor stride does not match its shape")
	}

	n := 1
	for _, d := range shape {
		n *= d
	}

	out := make([]float32, n)
	index := make([]int, len(shape))
	for i := range out {
		pos := offset
		for d := range index {
			pos += index[d] * stride[d]
		}

		if pos < 0 || pos >= len(data) {
			return nil, fmt.Errorf("tensor element %d lies outside its storage", i)
		}
		out[i] = data[pos]

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < shape[d] {
				break
			}
			index[d] = 0
		}
	}

	return out, nil
}
