package nn

import (
	"fmt"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/logutil"
)

// Build instantiates every layer of a compiled spec, in order.
func Build(spec *layers.ModelSpec) (*Sequential, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	seq := NewSequential()
	for i, ls := range spec.Layers {
		m, err := buildLayer(ls)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, ls.Name, err)
		}
		logutil.Trace("built layer", "index", i, "name", ls.Name, "type", ls.Type, "output_shape", ls.OutputShape)
		seq.Add(m)
	}
	return seq, nil
}

func buildLayer(ls layers.LayerSpec) (Module, error) {
	switch ls.Type {
	case layers.Dense:
		return NewLinear(ls.IntParam("input_size", 0), ls.IntParam("output_size", 0), ls.BoolParam("use_bias", true))
	case layers.Conv2D:
		return NewConv2D(
			ls.IntParam("input_channels", 0),
			ls.IntParam("output_channels", 0),
			ls.IntParam("kernel_size", 0),
			ls.IntParam("stride", 1),
			ls.IntParam("padding", 0),
			ls.BoolParam("use_bias", true),
		)
	case layers.ConvTranspose2D:
		return NewConvTranspose2D(
			ls.IntParam("input_channels", 0),
			ls.IntParam("output_channels", 0),
			ls.IntParam("kernel_size", 0),
			ls.IntParam("stride", 1),
			ls.IntParam("padding", 0),
			ls.IntParam("output_padding", 0),
			ls.BoolParam("use_bias", true),
		)
	case layers.BatchNorm:
		return NewBatchNorm(
			ls.IntParam("num_features", 0),
			float64(ls.FloatParam("eps", 1e-5)),
			float64(ls.FloatParam("momentum", 0.1)),
		)
	case layers.LeakyReLU:
		return NewLeakyReLU(ls.FloatParam("negative_slope", 0.01)), nil
	case layers.Tanh:
		return NewTanh(), nil
	case layers.Flatten:
		return NewFlatten(), nil
	case layers.Reshape:
		return NewReshape(ls.ShapeParam("shape")), nil
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", ls.Type)
	}
}
