package tensor

import "github.com/x448/float16"

func (t *Tensor) roundToDType() {
	if t.DType != Float16 {
		return
	}
	for i, v := range t.Data {
		t.Data[i] = float16.Fromfloat32(v).Float32()
	}
}

// AsType returns a copy of t converted to dtype. Converting to Float16
// rounds every element to the nearest representable half-precision value.
// The copy is detached from the autograd graph.
func (t *Tensor) AsType(dtype DType) (*Tensor, error) {
	data := make([]float32, t.NumElems)
	copy(data, t.Data)
	return NewTensor(t.Shape, dtype, data)
}

// TypeAs converts t to other's dtype, returning t itself when they already
// match.
func (t *Tensor) TypeAs(other *Tensor) (*Tensor, error) {
	if t.DType == other.DType {
		return t, nil
	}
	return t.AsType(other.DType)
}
