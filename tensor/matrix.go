package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMul multiplies [m, k] by [k, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	return Linear(a, b, nil)
}

// Linear computes x·w + bias for x [batch, in], w [in, out] and an optional
// bias [out].
func Linear(x, w, bias *Tensor) (*Tensor, error) {
	if len(x.Shape) != 2 || len(w.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear expects 2D input and weight, got %v and %v", ErrShapeMismatch, x.Shape, w.Shape)
	}
	if x.DType != w.DType {
		return nil, fmt.Errorf("tensors must have same dtype: %s vs %s", x.DType, w.DType)
	}
	batch, in := x.Shape[0], x.Shape[1]
	if w.Shape[0] != in {
		return nil, fmt.Errorf("%w: input size mismatch: expected %d, got %d", ErrShapeMismatch, w.Shape[0], in)
	}
	out := w.Shape[1]
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != out) {
		return nil, fmt.Errorf("%w: bias shape %v does not match output size %d", ErrShapeMismatch, bias.Shape, out)
	}

	y := make([]float32, batch*out)
	if bias != nil {
		for n := 0; n < batch; n++ {
			copy(y[n*out:(n+1)*out], bias.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(batch, in, x.Data), general(in, out, w.Data), 1, general(batch, out, y))

	return newResult([]int{batch, out}, x.DType, y, &LinearOp{x: x, w: w, bias: bias}), nil
}

type LinearOp struct {
	x, w, bias *Tensor
}

func (op *LinearOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.bias} }

func (op *LinearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	batch, in := op.x.Shape[0], op.x.Shape[1]
	out := op.w.Shape[1]
	g := general(batch, out, gradOut.Data)
	grads := make([]*Tensor, 3)

	if op.x.requiresGrad {
		dx := make([]float32, batch*in)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(in, out, op.w.Data), 0, general(batch, in, dx))
		grads[0] = gradTensor(op.x.Shape, op.x.DType, dx)
	}
	if op.w.requiresGrad {
		dw := make([]float32, in*out)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(batch, in, op.x.Data), g, 0, general(in, out, dw))
		grads[1] = gradTensor(op.w.Shape, op.w.DType, dw)
	}
	if op.bias != nil && op.bias.requiresGrad {
		db := make([]float32, out)
		for n := 0; n < batch; n++ {
			row := gradOut.Data[n*out : (n+1)*out]
			for j, v := range row {
				db[j] += v
			}
		}
		grads[2] = gradTensor(op.bias.Shape, op.bias.DType, db)
	}
	return grads, nil
}
