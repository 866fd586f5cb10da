package ml

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func arange(dtype DType, shape ...int) *Tensor {
	data := make([]float32, elements(shape))
	for i := range data {
		data[i] = float32(i)
	}

	t, err := NewTensor(dtype, shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewTensor(t *testing.T) {
	_, err := NewTensor(DTypeF32, []int{2, 3}, make([]float32, 5))
	require.ErrorIs(t, err, ErrShape)

	_, err = NewTensor(DTypeF32, nil, nil)
	require.ErrorIs(t, err, ErrShape)

	tt, err := NewTensor("", []int{2}, []float32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, DTypeF32, tt.DType())
}

func TestNarrow(t *testing.T) {
	x := arange(DTypeF16, 4, 3)

	cases := []struct {
		axis, start, length int
		shape                []int
		want                 []float32
	}{
		{0, 1, 2, []int{2, 3}, []float32{3, 4, 5, 6, 7, 8}},
		{0, 3, 1, []int{1, 3}, []float32{9, 10, 11}},
		{1, 0, 1, []int{4, 1}, []float32{0, 3, 6, 9}},
		{1, 1, 2, []int{4, 2}, []float32{1, 2, 4, 5, 7, 8, 10, 11}},
	}

	for _, tt := range cases {
		got, err := x.Narrow(tt.axis, tt.start, tt.length)
		require.NoError(t, err)
		assert.Equal(t, tt.shape, got.Shape())
		assert.Equal(t, DTypeF16, got.DType())
		if diff := cmp.Diff(tt.want, got.Floats()); diff != "" {
			t.Errorf("narrow(%d, %d, %d) mismatch (-want +got):\n%s", tt.axis, tt.start, tt.length, diff)
		}
	}

	_, err := x.Narrow(0, 3, 2)
	require.ErrorIs(t, err, ErrShape)

	_, err = x.Narrow(2, 0, 1)
	require.ErrorIs(t, err, ErrShape)
}

func TestNarrowDoesNotAlias(t *testing.T) {
	x := arange(DTypeF32, 4, 2)

	n, err := x.Narrow(0, 0, 2)
	require.NoError(t, err)

	n.Floats()[0] = 100
	assert.Equal(t, float32(0), x.Floats()[0])
}

func TestNarrowVector(t *testing.T) {
	x := arange(DTypeF32, 6)

	got, err := x.Narrow(0, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got.Shape())
	assert.Equal(t, []float32{2}, got.Floats())
}

func TestConcat(t *testing.T) {
	a := arange(DTypeF32, 2, 2)
	b := arange(DTypeF32, 2, 1)

	got, err := Concat(1, a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape())
	assert.Equal(t, []float32{0, 1, 0, 2, 3, 1}, got.Floats())

	_, err = Concat(0, a, b)
	require.ErrorIs(t, err, ErrShape)

	_, err = Concat(0, a, arange(DTypeBF16, 2, 2))
	require.ErrorIs(t, err, ErrShape)
}

func TestChunkConcatRoundTrip(t *testing.T) {
	x := arange(DTypeBF16, 2, 6, 2)

	for axis := range 3 {
		n := x.Dim(axis)
		chunks, err := x.Chunk(axis, n)
		require.NoError(t, err)
		require.Len(t, chunks, n)

		got, err := Concat(axis, chunks...)
		require.NoError(t, err)
		assert.True(t, got.Equal(x), "axis %d", axis)
	}

	_, err := x.Chunk(1, 4)
	require.ErrorIs(t, err, ErrShape)
}

func TestRepeat(t *testing.T) {
	x := arange(DTypeF32, 2, 2)

	got, err := x.Repeat(3)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2}, got.Shape())
	assert.Equal(t, []float32{0, 1, 2, 3, 0, 1, 2, 3, 0, 1, 2, 3}, got.Floats())
}

func TestTranspose(t *testing.T) {
	x := arange(DTypeF32, 2, 3)

	got, err := x.Transpose()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, got.Shape())
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, got.Floats())

	back, err := got.Transpose()
	require.NoError(t, err)
	assert.True(t, back.Equal(x))

	_, err = arange(DTypeF32, 2, 2, 2).Transpose()
	require.ErrorIs(t, err, ErrShape)
}

func TestTopologyRanks(t *testing.T) {
	topo := Topology{TP: 2, PP: 1, EP: 2}
	require.NoError(t, topo.Validate())

	want := []Rank{{0, 0, 0}, {0, 0, 1}, {1, 0, 0}, {1, 0, 1}}
	if diff := cmp.Diff(want, topo.Ranks()); diff != "" {
		t.Errorf("ranks mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, topo.Contains(Rank{TP: 1, EP: 1}))
	assert.False(t, topo.Contains(Rank{TP: 2}))
	assert.Error(t, Topology{TP: 0, PP: 1, EP: 1}.Validate())
}
