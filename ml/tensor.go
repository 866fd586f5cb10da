package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
)

// DType is the storage type a tensor was read with. Values are held as
// float32 in memory and converted back to DType when written.
type DType string

const (
	DTypeF32  DType = "F32"
	DTypeF16  DType = "F16"
	DTypeBF16 DType = "BF16"
)

func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

func ParseDType(s string) (DType, error) {
	switch d := DType(s); d {
	case DTypeF32, DTypeF16, DTypeBF16:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported dtype %q", s)
	}
}

var ErrShape = errors.New("shape mismatch")

// Tensor is a dense, row-major tensor. Every operation returns a tensor that
// owns its storage; no two tensors share a backing array.
type Tensor struct {
	dtype DType
	shape []int
	data  []float32
}

// NewTensor wraps data with the given shape. The tensor takes ownership of data.
func NewTensor(dtype DType, shape []int, data []float32) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: empty shape", ErrShape)
	}

	if n := elements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShape, shape, n, len(data))
	}

	if dtype == "" {
		dtype = DTypeF32
	}

	return &Tensor{dtype: dtype, shape: slices.Clone(shape), data: data}, nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Len() int { return len(t.data) }

// Floats returns the tensor's values. The slice must not be modified.
func (t *Tensor) Floats() []float32 { return t.data }

// Float64s returns a copy of the values widened to float64.
func (t *Tensor) Float64s() []float64 {
	f64s := make([]float64, len(t.data))
	for i, f := range t.data {
		f64s[i] = float64(f)
	}
	return f64s
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{dtype: t.dtype, shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.dtype, t.shape)
}

// Equal reports whether t and o have the same dtype, shape and bit-identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t.dtype != o.dtype || !slices.Equal(t.shape, o.shape) {
		return false
	}

	for i := range t.data {
		if math.Float32bits(t.data[i]) != math.Float32bits(o.data[i]) {
			return false
		}
	}

	return true
}

// span returns the product of the dimensions before and after axis.
func (t *Tensor) span(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, d := range t.shape {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return outer, inner
}

func (t *Tensor) checkAxis(axis int) error {
	if axis < 0 || axis >= len(t.shape) {
		return fmt.Errorf("%w: axis %d out of range for %v", ErrShape, axis, t.shape)
	}
	return nil
}

// Narrow returns a copy of length elements along axis, starting at start.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	if err := t.checkAxis(axis); err != nil {
		return nil, err
	}

	if start < 0 || length <= 0 || start+length > t.shape[axis] {
		return nil, fmt.Errorf("%w: narrow [%d:%d] of axis %d with size %d", ErrShape, start, start+length, axis, t.shape[axis])
	}

	outer, inner := t.span(axis)

	var v tensor.Tensor = tensor.New(tensor.WithShape(outer, t.shape[axis], inner), tensor.WithBacking(t.data))
	v, err := v.Slice(nil, tensor.S(start, start+length), nil)
	if err != nil {
		return nil, err
	}

	data, err := denseData(tensor.Materialize(v))
	if err != nil {
		return nil, err
	}

	shape := slices.Clone(t.shape)
	shape[axis] = length
	return NewTensor(t.dtype, shape, data)
}

// Chunk splits t into n equal pieces along axis.
func (t *Tensor) Chunk(axis, n int) ([]*Tensor, error) {
	if err := t.checkAxis(axis); err != nil {
		return nil, err
	}

	if n <= 0 || t.shape[axis]%n != 0 {
		return nil, fmt.Errorf("%w: axis %d with size %d is not divisible into %d chunks", ErrShape, axis, t.shape[axis], n)
	}

	size := t.shape[axis] / n
	chunks := make([]*Tensor, n)
	for i := range n {
		chunk, err := t.Narrow(axis, i*size, size)
		if err != nil {
			return nil, err
		}
		chunks[i] = chunk
	}

	return chunks, nil
}

// Repeat tiles t n times along axis 0.
func (t *Tensor) Repeat(n int) (*Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: repeat count %d", ErrShape, n)
	}

	return Concat(0, slices.Repeat([]*Tensor{t}, n)...)
}

// Transpose swaps the two axes of a matrix.
func (t *Tensor) Transpose() (*Tensor, error) {
	if len(t.shape) != 2 {
		return nil, fmt.Errorf("%w: transpose of rank %d tensor", ErrShape, len(t.shape))
	}

	n := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	if err := n.T(1, 0); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	data, err := denseData(n)
	if err != nil {
		return nil, err
	}

	return NewTensor(t.dtype, []int{t.shape[1], t.shape[0]}, data)
}

// Concat joins tensors along axis. All tensors must share dtype, rank and
// every dimension other than axis.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of no tensors", ErrShape)
	}

	first := ts[0]
	if err := first.checkAxis(axis); err != nil {
		return nil, err
	}

	if len(ts) == 1 {
		return first.Clone(), nil
	}

	outer, inner := first.span(axis)
	shape := slices.Clone(first.shape)
	shape[axis] = 0

	denses := make([]tensor.Tensor, len(ts))
	for i, t := range ts {
		if t.dtype != first.dtype {
			return nil, fmt.Errorf("%w: concat of %s and %s", ErrShape, first.dtype, t.dtype)
		}

		if len(t.shape) != len(first.shape) {
			return nil, fmt.Errorf("%w: concat of %v and %v", ErrShape, first.shape, t.shape)
		}

		for d := range t.shape {
			if d != axis && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("%w: concat of %v and %v along axis %d", ErrShape, first.shape, t.shape, axis)
			}
		}

		shape[axis] += t.shape[axis]
		denses[i] = tensor.New(tensor.WithShape(outer, t.shape[axis], inner), tensor.WithBacking(t.data))
	}

	out, err := tensor.Concat(1, denses[0], denses[1:]...)
	if err != nil {
		return nil, err
	}

	data, err := denseData(out)
	if err != nil {
		return nil, err
	}

	return NewTensor(first.dtype, shape, data)
}

// denseData copies the values out of a materialized tensor.
func denseData(t tensor.Tensor) ([]float32, error) {
	switch v := t.Data().(type) {
	case []float32:
		return slices.Clone(v), nil
	case float32:
		return []float32{v}, nil
	default:
		return nil, fmt.Errorf("unexpected tensor data %T", v)
	}
}
