package vae

import "fmt"

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two that is >= n.
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// SpatialDimAfter returns imDim / 2^numStages, the side length left after
// numStages stride-2 halvings. The division must be exact.
func SpatialDimAfter(imDim, numStages int) (int, error) {
	if numStages < 1 {
		return 0, configErr("hidden_dims", numStages, "at least one convolution stage is required")
	}
	if !IsPowerOfTwo(imDim) {
		e := configErr("im_dim", imDim, "the image size must be a power of 2")
		e.Suggested = NextPowerOfTwo(imDim)
		return 0, e
	}
	if imDim < 1<<numStages {
		e := configErr("im_dim", imDim, fmt.Sprintf("the image size is too small for %d stride-2 stages", numStages))
		e.Suggested = 1 << numStages
		return 0, e
	}
	return imDim >> numStages, nil
}

// UpsampledDim returns spatial * 2^numStages, the side length after
// numStages doublings.
func UpsampledDim(spatial, numStages int) int {
	return spatial << numStages
}

// FlatDim is the length of a flattened [channels, spatial, spatial] volume.
func FlatDim(channels, spatial int) int {
	return channels * spatial * spatial
}

// SuggestFeedforwardDim derives the decoder feedforward width implied by
// the first decoder stage width and the image size.
func SuggestFeedforwardDim(hiddenDims []int, imDim int) (int, error) {
	if err := validateHiddenDims(hiddenDims); err != nil {
		return 0, err
	}
	spatial, err := SpatialDimAfter(imDim, len(hiddenDims))
	if err != nil {
		return 0, err
	}
	return FlatDim(hiddenDims[0], spatial), nil
}

// CheckFeedforwardDim verifies that a decoder feedforward width can be
// reshaped into the first deconvolution stage's input volume.
func CheckFeedforwardDim(feedforwardDim int, hiddenDims []int, imDim int) error {
	want, err := SuggestFeedforwardDim(hiddenDims, imDim)
	if err != nil {
		return err
	}
	if feedforwardDim != want {
		e := configErr("feedforward_block_dim", feedforwardDim,
			"the feedforward block dimensions are not compatible with the convolution blocks dimensions needed to obtain the initial image")
		e.Suggested = want
		return e
	}
	return nil
}

// Mirror returns hiddenDims in reverse order, the decoder stage widths
// matching an encoder.
func Mirror(hiddenDims []int) []int {
	out := make([]int, len(hiddenDims))
	for i, d := range hiddenDims {
		out[len(hiddenDims)-1-i] = d
	}
	return out
}

func validateHiddenDims(hiddenDims []int) error {
	if len(hiddenDims) == 0 {
		return configErr("hidden_dims", 0, "at least one convolution stage is required")
	}
	for _, d := range hiddenDims {
		if d <= 0 {
			return configErr("hidden_dims", d, "stage widths must be positive")
		}
	}
	return nil
}

func requirePositive(field string, v int) error {
	if v <= 0 {
		return configErr(field, v, "must be positive")
	}
	return nil
}
