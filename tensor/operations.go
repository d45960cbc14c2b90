package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return fmt.Errorf("%w: tensor shapes must match: %v vs %v", ErrShapeMismatch, t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns t1 + t2 elementwise.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	out := make([]float32, t1.NumElems)
	for i := range out {
		out[i] = t1.Data[i] + t2.Data[i]
	}
	return newResult(t1.Shape, t1.DType, out, &AddOp{a: t1, b: t2}), nil
}

// Sub returns t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	out := make([]float32, t1.NumElems)
	for i := range out {
		out[i] = t1.Data[i] - t2.Data[i]
	}
	return newResult(t1.Shape, t1.DType, out, &SubOp{a: t1, b: t2}), nil
}

// Mul returns the elementwise (Hadamard) product.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	out := make([]float32, t1.NumElems)
	for i := range out {
		out[i] = t1.Data[i] * t2.Data[i]
	}
	return newResult(t1.Shape, t1.DType, out, &MulOp{a: t1, b: t2}), nil
}

// Scale multiplies every element by a constant.
func Scale(t *Tensor, alpha float32) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = v * alpha
	}
	return newResult(t.Shape, t.DType, out, &ScaleOp{a: t, alpha: alpha})
}

func Exp(t *Tensor) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = float32(math.Exp(float64(v)))
	}
	res := newResult(t.Shape, t.DType, out, nil)
	if t.requiresGrad {
		res.requiresGrad = true
		res.creator = &ExpOp{a: t, out: res.Data}
	}
	return res
}

func Tanh(t *Tensor) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		out[i] = float32(math.Tanh(float64(v)))
	}
	res := newResult(t.Shape, t.DType, out, nil)
	if t.requiresGrad {
		res.requiresGrad = true
		res.creator = &TanhOp{a: t, out: res.Data}
	}
	return res
}

// LeakyReLU passes positive values through and scales the rest by slope.
func LeakyReLU(t *Tensor, slope float32) *Tensor {
	out := make([]float32, t.NumElems)
	for i, v := range t.Data {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = v * slope
		}
	}
	return newResult(t.Shape, t.DType, out, &LeakyReLUOp{a: t, slope: slope})
}

// Sum reduces every element into a tensor of shape [1]. Accumulation is
// done in float64.
func Sum(t *Tensor) *Tensor {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return newResult([]int{1}, t.DType, []float32{float32(s)}, &SumOp{a: t, scale: 1})
}

func Mean(t *Tensor) *Tensor {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	n := float64(t.NumElems)
	return newResult([]int{1}, t.DType, []float32{float32(s / n)}, &SumOp{a: t, scale: float32(1 / n)})
}

// Reshape returns a tensor with the same data and a new shape. One
// dimension may be -1 and is then inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	inferred := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1:
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be inferred, got shape %v", newShape)
			}
			inferred = i
		case d <= 0:
			return nil, fmt.Errorf("invalid shape: dimension %d has size %d", i, d)
		default:
			known *= d
		}
	}
	if inferred >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShapeMismatch, t.Shape, newShape)
		}
		shape[inferred] = t.NumElems / known
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("%w: cannot reshape tensor of %d elements into shape %v",
			ErrShapeMismatch, t.NumElems, newShape)
	}
	return newResult(shape, t.DType, t.Data, &ReshapeOp{a: t}), nil
}

// Reshape is the method form of the package-level Reshape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	return Reshape(t, newShape)
}
