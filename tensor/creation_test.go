package tensor

import (
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid Float32 tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}

		tensor, err := NewTensor(shape, Float32, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}
		if tensor.DType != Float32 {
			t.Errorf("DType = %v, expected %v", tensor.DType, Float32)
		}
		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}
		if !reflect.DeepEqual(tensor.Strides, []int{3, 1}) {
			t.Errorf("Strides = %v, expected [3 1]", tensor.Strides)
		}
		if !reflect.DeepEqual(tensor.Data, data) {
			t.Errorf("Data = %v, expected %v", tensor.Data, data)
		}
	})

	t.Run("Nil data allocates zeros", func(t *testing.T) {
		tensor, err := NewTensor([]int{4}, Float32, nil)
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 0, 0, 0}, tensor.Data)
	})

	t.Run("Float16 rounds values", func(t *testing.T) {
		tensor, err := NewTensor([]int{2}, Float16, []float32{1.0001, 65519})
		require.NoError(t, err)
		assert.Equal(t, float32(1), tensor.Data[0])
		assert.Equal(t, float32(65504), tensor.Data[1])
	})

	t.Run("Length mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2, 2}, Float32, []float32{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("Invalid shape", func(t *testing.T) {
		_, err := NewTensor([]int{0, 2}, Float32, nil)
		assert.Error(t, err)
	})

	t.Run("Unsupported dtype", func(t *testing.T) {
		_, err := NewTensor([]int{1}, DType(7), nil)
		assert.Error(t, err)
	})
}

func TestFullAndOnes(t *testing.T) {
	ones, err := Ones([]int{2, 2}, Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, ones.Data)

	full, err := Full([]int{3}, -2.5, Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{-2.5, -2.5, -2.5}, full.Data)

	s := Scalar(3, Float32)
	assert.Equal(t, []int{1}, s.Shape)
	v, err := s.Item()
	require.NoError(t, err)
	assert.Equal(t, float32(3), v)
}

func TestRandomNormal(t *testing.T) {
	t.Run("Moments", func(t *testing.T) {
		tensor, err := RandomNormal([]int{200, 100}, 2, 3, Float32, NewLockedSource(1))
		require.NoError(t, err)

		s := tensor.Stats()
		assert.InDelta(t, 2.0, s.Mean, 0.1)
		assert.InDelta(t, 3.0, s.StdDev, 0.1)
	})

	t.Run("Seeded sources repeat", func(t *testing.T) {
		a, err := RandomNormal([]int{16}, 0, 1, Float32, NewLockedSource(42))
		require.NoError(t, err)
		b, err := RandomNormal([]int{16}, 0, 1, Float32, NewLockedSource(42))
		require.NoError(t, err)
		assert.True(t, a.Equal(b))

		c, err := RandomNormal([]int{16}, 0, 1, Float32, NewLockedSource(43))
		require.NoError(t, err)
		assert.False(t, a.Equal(c))
	})

	t.Run("Negative std", func(t *testing.T) {
		_, err := RandomNormal([]int{2}, 0, -1, Float32, nil)
		assert.Error(t, err)
	})

	t.Run("Like", func(t *testing.T) {
		ref, _ := Zeros([]int{3, 5}, Float16)
		eps, err := RandnLike(ref, nil)
		require.NoError(t, err)
		assert.Equal(t, ref.Shape, eps.Shape)
		assert.Equal(t, Float16, eps.DType)
		for _, v := range eps.Data {
			assert.False(t, math.IsNaN(float64(v)))
		}
	})
}

func TestLockedSourceConcurrent(t *testing.T) {
	src := NewLockedSource(7)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := RandomNormal([]int{64}, 0, 1, Float32, src)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
