package tensor

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros. The slice is used as-is, not copied.
func NewTensor(shape []int, dtype DType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if dtype != Float32 && dtype != Float16 {
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	t := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Data:     data,
		NumElems: numElems,
	}
	t.roundToDType()
	return t, nil
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	return Full(shape, 1, dtype)
}

func Full(shape []int, value float32, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, dtype, data)
}

// Scalar returns a one-element tensor of shape [1].
func Scalar(value float32, dtype DType) *Tensor {
	t, _ := NewTensor([]int{1}, dtype, []float32{value})
	return t
}

// RandomNormal draws every element independently from N(mean, std^2).
// A nil src uses the process-wide generator, which is safe for concurrent use.
func RandomNormal(shape []int, mean, std float64, dtype DType, src rand.Source) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if std < 0 {
		return nil, fmt.Errorf("standard deviation must be non-negative, got %g", std)
	}

	dist := distuv.Normal{Mu: mean, Sigma: std, Src: src}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	return NewTensor(shape, dtype, data)
}

// RandnLike draws standard normal noise with t's shape and dtype.
func RandnLike(t *Tensor, src rand.Source) (*Tensor, error) {
	return RandomNormal(t.Shape, 0, 1, t.DType, src)
}

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

// NewLockedSource returns a seeded PCG source that may be shared between
// goroutines.
func NewLockedSource(seed uint64) rand.Source {
	return &lockedSource{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}
