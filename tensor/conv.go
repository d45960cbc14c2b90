package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ConvOutputSize is the spatial size produced by a convolution.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTransposeOutputSize is the spatial size produced by a transposed
// convolution.
func ConvTransposeOutputSize(in, kernel, stride, padding, outputPadding int) int {
	return (in-1)*stride - 2*padding + kernel + outputPadding
}

// geometry describes one image plane and the column grid laid over it:
// grid cell (oh, ow) with kernel tap (kh, kw) touches image pixel
// (oh*stride-padding+kh, ow*stride-padding+kw).
type geometry struct {
	channels, height, width int
	kernel, stride, padding int
	gridH, gridW            int
}

func (g geometry) colRows() int { return g.channels * g.kernel * g.kernel }
func (g geometry) colCols() int { return g.gridH * g.gridW }

// im2col gathers image patches into dst [channels*k*k, gridH*gridW].
func im2col(src []float32, g geometry, dst []float32) {
	cols := g.colCols()
	for c := 0; c < g.channels; c++ {
		for kh := 0; kh < g.kernel; kh++ {
			for kw := 0; kw < g.kernel; kw++ {
				row := ((c*g.kernel+kh)*g.kernel + kw) * cols
				for oh := 0; oh < g.gridH; oh++ {
					ih := oh*g.stride - g.padding + kh
					for ow := 0; ow < g.gridW; ow++ {
						iw := ow*g.stride - g.padding + kw
						v := float32(0)
						if ih >= 0 && ih < g.height && iw >= 0 && iw < g.width {
							v = src[(c*g.height+ih)*g.width+iw]
						}
						dst[row+oh*g.gridW+ow] = v
					}
				}
			}
		}
	}
}

// col2im scatter-adds columns back into the image plane dst.
func col2im(col []float32, g geometry, dst []float32) {
	cols := g.colCols()
	for c := 0; c < g.channels; c++ {
		for kh := 0; kh < g.kernel; kh++ {
			for kw := 0; kw < g.kernel; kw++ {
				row := ((c*g.kernel+kh)*g.kernel + kw) * cols
				for oh := 0; oh < g.gridH; oh++ {
					ih := oh*g.stride - g.padding + kh
					if ih < 0 || ih >= g.height {
						continue
					}
					for ow := 0; ow < g.gridW; ow++ {
						iw := ow*g.stride - g.padding + kw
						if iw < 0 || iw >= g.width {
							continue
						}
						dst[(c*g.height+ih)*g.width+iw] += col[row+oh*g.gridW+ow]
					}
				}
			}
		}
	}
}

func addChannelBias(dst []float32, bias *Tensor, plane int) {
	if bias == nil {
		return
	}
	for c, b := range bias.Data {
		seg := dst[c*plane : (c+1)*plane]
		for i := range seg {
			seg[i] += b
		}
	}
}

func channelBiasGrad(gradOut *Tensor, bias *Tensor) *Tensor {
	batch, channels := gradOut.Shape[0], gradOut.Shape[1]
	plane := gradOut.Shape[2] * gradOut.Shape[3]
	db := make([]float32, channels)
	for n := 0; n < batch; n++ {
		for c := 0; c < channels; c++ {
			seg := gradOut.Data[(n*channels+c)*plane : (n*channels+c+1)*plane]
			var s float32
			for _, v := range seg {
				s += v
			}
			db[c] += s
		}
	}
	return gradTensor(bias.Shape, bias.DType, db)
}

// forEachSample runs fn for every batch index, spreading samples across
// GOMAXPROCS goroutines. fn must only write to its own sample's output.
func forEachSample(batch int, fn func(n int)) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for n := 0; n < batch; n++ {
		g.Go(func() error {
			fn(n)
			return nil
		})
	}
	_ = g.Wait()
}

func checkConvArgs(name string, x, w, bias *Tensor, stride, padding int) error {
	if len(x.Shape) != 4 {
		return fmt.Errorf("%w: %s expects 4D input [batch_size, channels, height, width], got shape %v", ErrShapeMismatch, name, x.Shape)
	}
	if len(w.Shape) != 4 || w.Shape[2] != w.Shape[3] {
		return fmt.Errorf("%w: %s expects a square 4D kernel, got shape %v", ErrShapeMismatch, name, w.Shape)
	}
	if x.DType != w.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", x.DType, w.DType)
	}
	if stride <= 0 || padding < 0 {
		return fmt.Errorf("%s: invalid stride %d or padding %d", name, stride, padding)
	}
	if bias != nil && len(bias.Shape) != 1 {
		return fmt.Errorf("%w: %s bias must be 1D, got shape %v", ErrShapeMismatch, name, bias.Shape)
	}
	return nil
}

// Conv2D convolves x [N, Cin, H, W] with w [Cout, Cin, K, K] plus an
// optional per-channel bias [Cout].
func Conv2D(x, w, bias *Tensor, stride, padding int) (*Tensor, error) {
	if err := checkConvArgs("Conv2D", x, w, bias, stride, padding); err != nil {
		return nil, err
	}
	batch, inC, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, k := w.Shape[0], w.Shape[2]
	if w.Shape[1] != inC {
		return nil, fmt.Errorf("%w: Conv2D expects %d input channels, got %d", ErrShapeMismatch, w.Shape[1], inC)
	}
	if bias != nil && bias.Shape[0] != outC {
		return nil, fmt.Errorf("%w: Conv2D bias has %d elements, want %d", ErrShapeMismatch, bias.Shape[0], outC)
	}
	outH, outW := ConvOutputSize(h, k, stride, padding), ConvOutputSize(wd, k, stride, padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: Conv2D input %dx%d too small for kernel %d", ErrShapeMismatch, h, wd, k)
	}

	geo := geometry{channels: inC, height: h, width: wd, kernel: k, stride: stride, padding: padding, gridH: outH, gridW: outW}
	inPlane, outPlane := inC*h*wd, outC*outH*outW
	out := make([]float32, batch*outPlane)
	wMat := general(outC, geo.colRows(), w.Data)

	forEachSample(batch, func(n int) {
		col := make([]float32, geo.colRows()*geo.colCols())
		im2col(x.Data[n*inPlane:(n+1)*inPlane], geo, col)
		y := out[n*outPlane : (n+1)*outPlane]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, general(geo.colRows(), geo.colCols(), col), 0, general(outC, geo.colCols(), y))
		addChannelBias(y, bias, outH*outW)
	})

	op := &Conv2DOp{x: x, w: w, bias: bias, geo: geo}
	return newResult([]int{batch, outC, outH, outW}, x.DType, out, op), nil
}

type Conv2DOp struct {
	x, w, bias *Tensor
	geo        geometry
}

func (op *Conv2DOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.bias} }

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	geo := op.geo
	batch := op.x.Shape[0]
	outC := op.w.Shape[0]
	rows, cols := geo.colRows(), geo.colCols()
	inPlane, outPlane := geo.channels*geo.height*geo.width, outC*cols
	wMat := general(outC, rows, op.w.Data)

	var dx, dw []float32
	if op.x.requiresGrad {
		dx = make([]float32, op.x.NumElems)
	}
	if op.w.requiresGrad {
		dw = make([]float32, op.w.NumElems)
	}
	col := make([]float32, rows*cols)
	dcol := make([]float32, rows*cols)

	for n := 0; n < batch; n++ {
		gy := general(outC, cols, gradOut.Data[n*outPlane:(n+1)*outPlane])
		if dw != nil {
			im2col(op.x.Data[n*inPlane:(n+1)*inPlane], geo, col)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gy, general(rows, cols, col), 1, general(outC, rows, dw))
		}
		if dx != nil {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, gy, 0, general(rows, cols, dcol))
			col2im(dcol, geo, dx[n*inPlane:(n+1)*inPlane])
		}
	}

	grads := make([]*Tensor, 3)
	if dx != nil {
		grads[0] = gradTensor(op.x.Shape, op.x.DType, dx)
	}
	if dw != nil {
		grads[1] = gradTensor(op.w.Shape, op.w.DType, dw)
	}
	if op.bias != nil && op.bias.requiresGrad {
		grads[2] = channelBiasGrad(gradOut, op.bias)
	}
	return grads, nil
}

// ConvTranspose2D is the transposed convolution of x [N, Cin, H, W] with
// w [Cin, Cout, K, K]. With kernel 3, stride 2, padding 1 and output
// padding 1 it exactly doubles the spatial size.
func ConvTranspose2D(x, w, bias *Tensor, stride, padding, outputPadding int) (*Tensor, error) {
	if err := checkConvArgs("ConvTranspose2D", x, w, bias, stride, padding); err != nil {
		return nil, err
	}
	if outputPadding < 0 || outputPadding >= stride {
		return nil, fmt.Errorf("ConvTranspose2D: output padding %d must be in [0, stride)", outputPadding)
	}
	batch, inC, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, k := w.Shape[1], w.Shape[2]
	if w.Shape[0] != inC {
		return nil, fmt.Errorf("%w: ConvTranspose2D expects %d input channels, got %d", ErrShapeMismatch, w.Shape[0], inC)
	}
	if bias != nil && bias.Shape[0] != outC {
		return nil, fmt.Errorf("%w: ConvTranspose2D bias has %d elements, want %d", ErrShapeMismatch, bias.Shape[0], outC)
	}
	outH := ConvTransposeOutputSize(h, k, stride, padding, outputPadding)
	outW := ConvTransposeOutputSize(wd, k, stride, padding, outputPadding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: ConvTranspose2D output would be %dx%d", ErrShapeMismatch, outH, outW)
	}

	// The column grid is the input plane; the image is the output plane.
	geo := geometry{channels: outC, height: outH, width: outW, kernel: k, stride: stride, padding: padding, gridH: h, gridW: wd}
	inPlane, outPlane := inC*h*wd, outC*outH*outW
	out := make([]float32, batch*outPlane)
	wMat := general(inC, geo.colRows(), w.Data)

	forEachSample(batch, func(n int) {
		col := make([]float32, geo.colRows()*geo.colCols())
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, general(inC, h*wd, x.Data[n*inPlane:(n+1)*inPlane]), 0, general(geo.colRows(), geo.colCols(), col))
		y := out[n*outPlane : (n+1)*outPlane]
		col2im(col, geo, y)
		addChannelBias(y, bias, outH*outW)
	})

	op := &ConvTranspose2DOp{x: x, w: w, bias: bias, geo: geo}
	return newResult([]int{batch, outC, outH, outW}, x.DType, out, op), nil
}

type ConvTranspose2DOp struct {
	x, w, bias *Tensor
	geo        geometry
}

func (op *ConvTranspose2DOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.bias} }

func (op *ConvTranspose2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	geo := op.geo
	batch, inC := op.x.Shape[0], op.x.Shape[1]
	rows, cols := geo.colRows(), geo.colCols()
	inPlane, outPlane := inC*cols, geo.channels*geo.height*geo.width
	wMat := general(inC, rows, op.w.Data)

	var dx, dw []float32
	if op.x.requiresGrad {
		dx = make([]float32, op.x.NumElems)
	}
	if op.w.requiresGrad {
		dw = make([]float32, op.w.NumElems)
	}
	dcol := make([]float32, rows*cols)

	for n := 0; n < batch; n++ {
		im2col(gradOut.Data[n*outPlane:(n+1)*outPlane], geo, dcol)
		dc := general(rows, cols, dcol)
		if dx != nil {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, dc, 0, general(inC, cols, dx[n*inPlane:(n+1)*inPlane]))
		}
		if dw != nil {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(inC, cols, op.x.Data[n*inPlane:(n+1)*inPlane]), dc, 1, general(inC, rows, dw))
		}
	}

	grads := make([]*Tensor, 3)
	if dx != nil {
		grads[0] = gradTensor(op.x.Shape, op.x.DType, dx)
	}
	if dw != nil {
		grads[1] = gradTensor(op.w.Shape, op.w.DType, dw)
	}
	if op.bias != nil && op.bias.requiresGrad {
		grads[2] = channelBiasGrad(gradOut, op.bias)
	}
	return grads, nil
}
