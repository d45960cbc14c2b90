package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone returns a deep copy detached from the autograd graph. The
// requires-grad flag is preserved.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, t.NumElems)
	copy(data, t.Data)
	return &Tensor{
		Shape:        copyShape(t.Shape),
		Strides:      copyShape(t.Strides),
		DType:        t.DType,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a tensor sharing t's storage with no graph history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  copyShape(t.Strides),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() can only be called on single-element tensors, got %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

func (t *Tensor) index(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("number of indices (%d) must match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.index(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.index(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	if t.DType == Float16 {
		t.roundToDType()
	}
	return nil
}

func (t *Tensor) Size() []int {
	return copyShape(t.Shape)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of shape, dtype and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// AllClose reports whether shapes match and every element pair satisfies
// |a-b| <= atol + rtol*|b|.
func (t *Tensor) AllClose(other *Tensor, rtol, atol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		a, b := float64(t.Data[i]), float64(other.Data[i])
		if math.Abs(a-b) > atol+rtol*math.Abs(b) {
			return false
		}
	}
	return true
}

// PrintData renders at most maxElements values.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, dtype=%s)\n", t.Shape, t.DType))

	n := t.NumElems
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	sb.WriteString("Data: [")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < t.NumElems {
		sb.WriteString(fmt.Sprintf(", ... (%d more)", t.NumElems-n))
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
