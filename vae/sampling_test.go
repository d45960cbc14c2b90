package vae

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vae/tensor"
)

func filled(t *testing.T, shape []int, v float32, dtype tensor.DType) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Full(shape, v, dtype)
	require.NoError(t, err)
	return x
}

func TestSampleZeroSigmaIsMu(t *testing.T) {
	mu := randomImages(t, 4, 3)
	sigma := filled(t, []int{4, 3}, 0, tensor.Float32)

	z, err := Sample(mu, sigma, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(mu.Data, z.Data); diff != "" {
		t.Errorf("z differs from mu (-mu +z):\n%s", diff)
	}
}

func TestSampleIsStochastic(t *testing.T) {
	mu := filled(t, []int{2, 8}, 1, tensor.Float32)
	sigma := filled(t, []int{2, 8}, 1, tensor.Float32)

	a, err := Sample(mu, sigma, nil)
	require.NoError(t, err)
	b, err := Sample(mu, sigma, nil)
	require.NoError(t, err)
	assert.False(t, a.Equal(b), "two draws should differ")
}

func TestSampleSeeded(t *testing.T) {
	mu := filled(t, []int{3, 5}, 0, tensor.Float32)
	sigma := filled(t, []int{3, 5}, 2, tensor.Float32)

	a, err := Sample(mu, sigma, tensor.NewLockedSource(11))
	require.NoError(t, err)
	b, err := Sample(mu, sigma, tensor.NewLockedSource(11))
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestSampleMoments(t *testing.T) {
	const n = 20000
	mu := filled(t, []int{n, 1}, 3, tensor.Float32)
	sigma := filled(t, []int{n, 1}, 0.5, tensor.Float32)

	z, err := Sample(mu, sigma, tensor.NewLockedSource(5))
	require.NoError(t, err)

	var sum, sq float64
	for _, v := range z.Data {
		sum += float64(v)
	}
	mean := sum / n
	for _, v := range z.Data {
		d := float64(v) - mean
		sq += d * d
	}
	assert.InDelta(t, 3.0, mean, 0.02)
	assert.InDelta(t, 0.25, sq/n, 0.01)
}

// z = mu + sigma*eps, so dz/dmu = 1 and dz/dsigma = eps = (z - mu) / sigma.
func TestSampleGradients(t *testing.T) {
	mu := randomImages(t, 2, 3)
	mu.SetRequiresGrad(true)
	sigma := filled(t, []int{2, 3}, 0.5, tensor.Float32)
	sigma.SetRequiresGrad(true)

	z, err := Sample(mu, sigma, tensor.NewLockedSource(3))
	require.NoError(t, err)
	require.True(t, z.RequiresGrad())
	require.NoError(t, tensor.Sum(z).Backward())

	ones := make([]float32, 6)
	wantSigma := make([]float32, 6)
	for i := range ones {
		ones[i] = 1
		wantSigma[i] = (z.Data[i] - mu.Data[i]) / sigma.Data[i]
	}
	approx := cmpopts.EquateApprox(0, 1e-5)
	if diff := cmp.Diff(ones, mu.Grad().Data, approx); diff != "" {
		t.Errorf("dz/dmu mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSigma, sigma.Grad().Data, approx); diff != "" {
		t.Errorf("dz/dsigma mismatch (-want +got):\n%s", diff)
	}
}

func TestSampleMatchesMuDType(t *testing.T) {
	mu := filled(t, []int{2, 2}, 0.1, tensor.Float16)
	sigma := filled(t, []int{2, 2}, 1, tensor.Float16)

	z, err := Sample(mu, sigma, tensor.NewLockedSource(9))
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, z.DType)

	half, err := z.AsType(tensor.Float16)
	require.NoError(t, err)
	assert.Equal(t, half.Data, z.Data, "values must be representable in half precision")
}

func TestSampleShapeMismatch(t *testing.T) {
	mu := filled(t, []int{2, 3}, 0, tensor.Float32)
	sigma := filled(t, []int{3, 2}, 1, tensor.Float32)

	_, err := Sample(mu, sigma, nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestSampleConcurrent(t *testing.T) {
	mu := filled(t, []int{4, 4}, 0, tensor.Float32)
	sigma := filled(t, []int{4, 4}, 1, tensor.Float32)
	src := tensor.NewLockedSource(21)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = Sample(mu, sigma, src)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
