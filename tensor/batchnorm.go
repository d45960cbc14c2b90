package tensor

import (
	"fmt"
	"math"
)

// NormStats holds per-channel batch statistics. Var is the unbiased
// estimate, ready for a running-average update.
type NormStats struct {
	Mean  []float32
	Var   []float32
	Count int
}

// channelLayout returns (batch, channels, spatial) for [N, C] or
// [N, C, H, W] input.
func channelLayout(x *Tensor) (int, int, int, error) {
	switch len(x.Shape) {
	case 2:
		return x.Shape[0], x.Shape[1], 1, nil
	case 4:
		return x.Shape[0], x.Shape[1], x.Shape[2] * x.Shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("%w: batch norm expects 2D or 4D input, got shape %v", ErrShapeMismatch, x.Shape)
	}
}

func checkAffine(x, gamma, beta *Tensor, channels int) error {
	for _, p := range []*Tensor{gamma, beta} {
		if p == nil {
			continue
		}
		if p.NumElems != channels {
			return fmt.Errorf("%w: batch norm parameter has %d elements, input has %d channels", ErrShapeMismatch, p.NumElems, channels)
		}
		if p.DType != x.DType {
			return fmt.Errorf("tensors must have same dtype: %s vs %s", x.DType, p.DType)
		}
	}
	return nil
}

// BatchNorm normalizes every channel with the statistics of the current
// batch, then applies the optional affine gamma/beta. It returns the batch
// statistics so a caller can maintain running averages.
func BatchNorm(x, gamma, beta *Tensor, eps float64) (*Tensor, *NormStats, error) {
	batch, channels, spatial, err := channelLayout(x)
	if err != nil {
		return nil, nil, err
	}
	if err := checkAffine(x, gamma, beta, channels); err != nil {
		return nil, nil, err
	}
	count := batch * spatial
	if count < 2 {
		return nil, nil, fmt.Errorf("%w: expected more than 1 value per channel when training, got input shape %v", ErrShapeMismatch, x.Shape)
	}

	stats := &NormStats{Mean: make([]float32, channels), Var: make([]float32, channels), Count: count}
	invStd := make([]float32, channels)
	xhat := make([]float32, x.NumElems)
	out := make([]float32, x.NumElems)

	for c := 0; c < channels; c++ {
		var sum float64
		for n := 0; n < batch; n++ {
			for _, v := range x.Data[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
				sum += float64(v)
			}
		}
		mean := sum / float64(count)

		var sq float64
		for n := 0; n < batch; n++ {
			for _, v := range x.Data[(n*channels+c)*spatial : (n*channels+c+1)*spatial] {
				d := float64(v) - mean
				sq += d * d
			}
		}
		variance := sq / float64(count)
		stats.Mean[c] = float32(mean)
		stats.Var[c] = float32(sq / float64(count-1))
		inv := 1 / math.Sqrt(variance+eps)
		invStd[c] = float32(inv)

		g, b := affineAt(gamma, beta, c)
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for s := 0; s < spatial; s++ {
				xh := float32((float64(x.Data[base+s]) - mean) * inv)
				xhat[base+s] = xh
				out[base+s] = g*xh + b
			}
		}
	}

	op := &BatchNormOp{x: x, gamma: gamma, beta: beta, xhat: xhat, invStd: invStd, batch: batch, channels: channels, spatial: spatial}
	return newResult(x.Shape, x.DType, out, op), stats, nil
}

// BatchNormInference normalizes with fixed running statistics.
func BatchNormInference(x, gamma, beta, runningMean, runningVar *Tensor, eps float64) (*Tensor, error) {
	batch, channels, spatial, err := channelLayout(x)
	if err != nil {
		return nil, err
	}
	if err := checkAffine(x, gamma, beta, channels); err != nil {
		return nil, err
	}
	if runningMean.NumElems != channels || runningVar.NumElems != channels {
		return nil, fmt.Errorf("%w: running statistics do not match %d channels", ErrShapeMismatch, channels)
	}

	invStd := make([]float32, channels)
	xhat := make([]float32, x.NumElems)
	out := make([]float32, x.NumElems)
	for c := 0; c < channels; c++ {
		mean := float64(runningMean.Data[c])
		inv := 1 / math.Sqrt(float64(runningVar.Data[c])+eps)
		invStd[c] = float32(inv)
		g, b := affineAt(gamma, beta, c)
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * spatial
			for s := 0; s < spatial; s++ {
				xh := float32((float64(x.Data[base+s]) - mean) * inv)
				xhat[base+s] = xh
				out[base+s] = g*xh + b
			}
		}
	}

	op := &BatchNormOp{x: x, gamma: gamma, beta: beta, xhat: xhat, invStd: invStd, batch: batch, channels: channels, spatial: spatial, frozen: true}
	return newResult(x.Shape, x.DType, out, op), nil
}

func affineAt(gamma, beta *Tensor, c int) (float32, float32) {
	g, b := float32(1), float32(0)
	if gamma != nil {
		g = gamma.Data[c]
	}
	if beta != nil {
		b = beta.Data[c]
	}
	return g, b
}

// BatchNormOp differentiates through the normalization. When frozen, the
// statistics are constants (inference mode).
type BatchNormOp struct {
	x, gamma, beta            *Tensor
	xhat, invStd              []float32
	batch, channels, spatial int
	frozen                    bool
}

func (op *BatchNormOp) Inputs() []*Tensor { return []*Tensor{op.x, op.gamma, op.beta} }

func (op *BatchNormOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	count := float64(op.batch * op.spatial)
	dx := make([]float32, op.x.NumElems)
	dgamma := make([]float32, op.channels)
	dbeta := make([]float32, op.channels)

	for c := 0; c < op.channels; c++ {
		var sumDy, sumDyXhat float64
		for n := 0; n < op.batch; n++ {
			base := (n*op.channels + c) * op.spatial
			for s := 0; s < op.spatial; s++ {
				dy := float64(gradOut.Data[base+s])
				sumDy += dy
				sumDyXhat += dy * float64(op.xhat[base+s])
			}
		}
		dgamma[c] = float32(sumDyXhat)
		dbeta[c] = float32(sumDy)

		g, _ := affineAt(op.gamma, nil, c)
		scale := float64(g) * float64(op.invStd[c])
		for n := 0; n < op.batch; n++ {
			base := (n*op.channels + c) * op.spatial
			for s := 0; s < op.spatial; s++ {
				dy := float64(gradOut.Data[base+s])
				if op.frozen {
					dx[base+s] = float32(scale * dy)
					continue
				}
				xh := float64(op.xhat[base+s])
				dx[base+s] = float32(scale * (dy - sumDy/count - xh*sumDyXhat/count))
			}
		}
	}

	grads := make([]*Tensor, 3)
	if op.x.requiresGrad {
		grads[0] = gradTensor(op.x.Shape, op.x.DType, dx)
	}
	if op.gamma != nil && op.gamma.requiresGrad {
		grads[1] = gradTensor(op.gamma.Shape, op.gamma.DType, dgamma)
	}
	if op.beta != nil && op.beta.requiresGrad {
		grads[2] = gradTensor(op.beta.Shape, op.beta.DType, dbeta)
	}
	return grads, nil
}
