package vae

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vae/tensor"
)

func smallDecoderConfig() DecoderConfig {
	return DecoderConfig{
		OutChannels:         3,
		LatentDim:           4,
		HiddenDims:          []int{8, 4},
		ImDim:               8,
		FeedforwardBlockDim: 32,
	}
}

func TestNewDecoder(t *testing.T) {
	dec, err := NewDecoder(smallDecoderConfig())
	require.NoError(t, err)

	spec := dec.Spec()
	names := make([]string, len(spec.Layers))
	for i, l := range spec.Layers {
		names[i] = l.Name
	}
	assert.Equal(t, []string{
		"decoder.feedforward.linear",
		"decoder.feedforward.norm",
		"decoder.reshape",
		"decoder.stage0.deconv",
		"decoder.stage0.norm",
		"decoder.stage0.act",
		"decoder.final.deconv",
		"decoder.final.norm",
		"decoder.final.act",
		"decoder.final.conv",
		"decoder.final.tanh",
	}, names)

	assert.Equal(t, []int{-1, 8, 2, 2}, spec.Layers[2].OutputShape)
	assert.Equal(t, []int{-1, 4, 4, 4}, spec.Layers[3].OutputShape)
	assert.Equal(t, []int{-1, 4, 8, 8}, spec.Layers[6].OutputShape)
	assert.Equal(t, []int{-1, 3, 8, 8}, spec.OutputShape)
	assert.Equal(t, spec.TotalParameters, totalParameters(dec.Parameters()))
}

func TestNewDecoderFeedforwardMismatch(t *testing.T) {
	for _, ff := range []int{31, 33, 16} {
		cfg := smallDecoderConfig()
		cfg.FeedforwardBlockDim = ff
		_, err := NewDecoder(cfg)
		require.ErrorIs(t, err, ErrConfiguration)

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "feedforward_block_dim", cfgErr.Field)
		assert.Equal(t, 32, cfgErr.Suggested)
	}
}

func TestNewDecoderLargeScenario(t *testing.T) {
	cfg := DecoderConfig{
		OutChannels:         3,
		LatentDim:           8,
		HiddenDims:          []int{256, 128, 64, 32},
		ImDim:               32,
		FeedforwardBlockDim: 1024,
	}
	_, err := NewDecoder(cfg)
	require.NoError(t, err)

	cfg.FeedforwardBlockDim = 1000
	_, err = NewDecoder(cfg)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "1024")
}

func TestNewDecoderNonPowerOfTwo(t *testing.T) {
	cfg := smallDecoderConfig()
	cfg.ImDim = 30
	_, err := NewDecoder(cfg)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecode(t *testing.T) {
	dec, err := NewDecoder(smallDecoderConfig())
	require.NoError(t, err)

	z := randomImages(t, 6, 4)
	x, err := dec.Decode(z)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 3, 8, 8}, x.Shape)
	for i, v := range x.Data {
		require.True(t, v >= -1 && v <= 1, "x[%d] = %g outside tanh range", i, v)
	}

	t.Run("ShapeMismatch", func(t *testing.T) {
		_, err := dec.Decode(randomImages(t, 6, 5))
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
		_, err = dec.Decode(randomImages(t, 6, 4, 1))
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("Gradients", func(t *testing.T) {
		z := randomImages(t, 3, 4)
		z.SetRequiresGrad(true)
		x, err := dec.Decode(z)
		require.NoError(t, err)
		require.NoError(t, tensor.Sum(x).Backward())
		require.NotNil(t, z.Grad())
		assert.Equal(t, z.Shape, z.Grad().Shape)
		for _, p := range dec.Parameters() {
			assert.NotNil(t, p.Grad())
		}
	})
}
