package tensor

import (
	"fmt"
)

func anyRequiresGrad(inputs ...*Tensor) bool {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			return true
		}
	}
	return false
}

// newResult wraps freshly computed data and links it into the graph when
// any input needs a gradient.
func newResult(shape []int, dtype DType, data []float32, op Operation) *Tensor {
	t := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Data:     data,
		NumElems: len(data),
	}
	t.roundToDType()
	if op != nil && anyRequiresGrad(op.Inputs()...) {
		t.requiresGrad = true
		t.creator = op
	}
	return t
}

func gradTensor(shape []int, dtype DType, data []float32) *Tensor {
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Data:     data,
		NumElems: len(data),
	}
}

// Backward runs reverse-mode differentiation from a single-element tensor,
// accumulating into the Grad of every leaf that requires one.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward requires a single-element tensor, got shape %v", t.Shape)
	}
	seed, err := Ones(t.Shape, t.DType)
	if err != nil {
		return err
	}
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad runs reverse-mode differentiation seeded with grad,
// which must have t's shape.
func (t *Tensor) BackwardWithGrad(grad *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	if !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("%w: gradient shape %v vs tensor shape %v", ErrShapeMismatch, grad.Shape, t.Shape)
	}

	order := topoSort(t)
	seed := make([]float32, grad.NumElems)
	copy(seed, grad.Data)
	grads := map[*Tensor][]float32{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inputGrads, err := node.creator.Backward(gradTensor(node.Shape, node.DType, g))
		if err != nil {
			return fmt.Errorf("backward through %T failed: %w", node.creator, err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			ig := inputGrads[j]
			if ig.NumElems != in.NumElems {
				return fmt.Errorf("%w: gradient for input %d of %T has %d elements, want %d",
					ErrShapeMismatch, j, node.creator, ig.NumElems, in.NumElems)
			}
			if acc, ok := grads[in]; ok {
				for k := range acc {
					acc[k] += ig.Data[k]
				}
			} else {
				buf := make([]float32, ig.NumElems)
				copy(buf, ig.Data)
				grads[in] = buf
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g []float32) {
	if t.grad == nil {
		buf := make([]float32, len(g))
		copy(buf, g)
		t.grad = gradTensor(t.Shape, t.DType, buf)
		return
	}
	for i := range g {
		t.grad.Data[i] += g[i]
	}
}

// topoSort returns the graph below root in post-order: every node appears
// after all of its inputs.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// AddOp: d(a+b)/da = d(a+b)/db = 1
type AddOp struct {
	a, b *Tensor
}

func (op *AddOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

type SubOp struct {
	a, b *Tensor
}

func (op *SubOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	neg := make([]float32, gradOut.NumElems)
	for i, g := range gradOut.Data {
		neg[i] = -g
	}
	return []*Tensor{gradOut, gradTensor(gradOut.Shape, gradOut.DType, neg)}, nil
}

// MulOp is the elementwise product.
type MulOp struct {
	a, b *Tensor
}

func (op *MulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	ga := make([]float32, gradOut.NumElems)
	gb := make([]float32, gradOut.NumElems)
	for i, g := range gradOut.Data {
		ga[i] = g * op.b.Data[i]
		gb[i] = g * op.a.Data[i]
	}
	return []*Tensor{
		gradTensor(op.a.Shape, op.a.DType, ga),
		gradTensor(op.b.Shape, op.b.DType, gb),
	}, nil
}

type ScaleOp struct {
	a     *Tensor
	alpha float32
}

func (op *ScaleOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, gradOut.NumElems)
	for i, v := range gradOut.Data {
		g[i] = v * op.alpha
	}
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, g)}, nil
}

// ExpOp keeps its output since d(e^x)/dx = e^x.
type ExpOp struct {
	a   *Tensor
	out []float32
}

func (op *ExpOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ExpOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, gradOut.NumElems)
	for i, v := range gradOut.Data {
		g[i] = v * op.out[i]
	}
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, g)}, nil
}

type TanhOp struct {
	a   *Tensor
	out []float32
}

func (op *TanhOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, gradOut.NumElems)
	for i, v := range gradOut.Data {
		y := op.out[i]
		g[i] = v * (1 - y*y)
	}
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, g)}, nil
}

type LeakyReLUOp struct {
	a     *Tensor
	slope float32
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *LeakyReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, gradOut.NumElems)
	for i, v := range gradOut.Data {
		if op.a.Data[i] > 0 {
			g[i] = v
		} else {
			g[i] = v * op.slope
		}
	}
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, g)}, nil
}

// SumOp reduces to shape [1]; scale is 1 for Sum and 1/n for Mean.
type SumOp struct {
	a     *Tensor
	scale float32
}

func (op *SumOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := make([]float32, op.a.NumElems)
	v := gradOut.Data[0] * op.scale
	for i := range g {
		g[i] = v
	}
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, g)}, nil
}

type ReshapeOp struct {
	a *Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradTensor(op.a.Shape, op.a.DType, gradOut.Data)}, nil
}
