package vae

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/go-vae/tensor"
)

// Sample draws z = mu + sigma ⊙ epsilon with epsilon ~ N(0, I) drawn fresh
// on every call and converted to mu's dtype. z stays differentiable with
// respect to mu and sigma. A nil src uses the process-wide generator.
//
// mu and sigma must have the same shape; a mismatch surfaces as
// tensor.ErrShapeMismatch.
func Sample(mu, sigma *tensor.Tensor, src rand.Source) (*tensor.Tensor, error) {
	eps, err := tensor.RandnLike(sigma, src)
	if err != nil {
		return nil, fmt.Errorf("failed to draw noise: %w", err)
	}
	if eps, err = eps.TypeAs(mu); err != nil {
		return nil, err
	}

	scaled, err := tensor.Mul(sigma, eps)
	if err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}
	z, err := tensor.Add(mu, scaled)
	if err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}
	return z, nil
}
