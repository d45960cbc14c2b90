package vae

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/nn"
	"github.com/tsawler/go-vae/tensor"
)

// Decoder maps latent samples back to images in [-1, 1].
type Decoder struct {
	cfg  DecoderConfig
	body *nn.Sequential
	spec *layers.ModelSpec

	training bool
}

// NewDecoder plans and allocates the decoder. The feedforward width must
// equal hidden_dims[0] * (im_dim / 2^len(hidden_dims))^2; otherwise a
// *ConfigurationError carrying the correct value is returned.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.HiddenDims = append([]int(nil), cfg.HiddenDims...)
	hidden := cfg.HiddenDims

	// validated above: feedforward_block_dim == hidden[0] * h * h
	h, err := SpatialDimAfter(cfg.ImDim, len(hidden))
	if err != nil {
		return nil, err
	}

	b := layers.NewModelBuilder([]int{layers.DynamicBatch, cfg.LatentDim}).
		AddDense(cfg.FeedforwardBlockDim, true, "decoder.feedforward.linear").
		AddBatchNorm(cfg.FeedforwardBlockDim, DefaultBatchNormEps, DefaultBatchNormMomentum, "decoder.feedforward.norm").
		AddReshape([]int{hidden[0], h, h}, "decoder.reshape")

	for i := 0; i < len(hidden)-1; i++ {
		b.AddConvTranspose2D(hidden[i+1], kernelSize, stride, padding, outputPadding, true, fmt.Sprintf("decoder.stage%d.deconv", i)).
			AddBatchNorm(hidden[i+1], DefaultBatchNormEps, DefaultBatchNormMomentum, fmt.Sprintf("decoder.stage%d.norm", i)).
			AddLeakyReLU(DefaultNegativeSlope, fmt.Sprintf("decoder.stage%d.act", i))
	}

	last := hidden[len(hidden)-1]
	spec, err := b.
		AddConvTranspose2D(last, kernelSize, stride, padding, outputPadding, true, "decoder.final.deconv").
		AddBatchNorm(last, DefaultBatchNormEps, DefaultBatchNormMomentum, "decoder.final.norm").
		AddLeakyReLU(DefaultNegativeSlope, "decoder.final.act").
		AddConv2D(cfg.OutChannels, kernelSize, 1, padding, true, "decoder.final.conv").
		AddTanh("decoder.final.tanh").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to plan decoder: %w", err)
	}
	if out := spec.OutputShape; out[2] != cfg.ImDim || out[3] != cfg.ImDim {
		return nil, fmt.Errorf("decoder plan produces %v, want spatial size %d", out, cfg.ImDim)
	}

	d := &Decoder{cfg: cfg, spec: spec, training: true}
	if d.body, err = nn.Build(spec); err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}

	slog.Debug("built decoder",
		"stages", len(hidden),
		"initial_spatial", h,
		"feedforward_block_dim", cfg.FeedforwardBlockDim,
		"parameters", spec.TotalParameters)
	return d, nil
}

// Decode maps z [batch, latent_dim] to images [batch, out_channels, im_dim, im_dim].
func (d *Decoder) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	if len(z.Shape) != 2 || z.Shape[1] != d.cfg.LatentDim {
		return nil, fmt.Errorf("%w: decoder expects latents [batch, %d], got %v", tensor.ErrShapeMismatch, d.cfg.LatentDim, z.Shape)
	}
	x, err := d.body.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return x, nil
}

func (d *Decoder) Config() DecoderConfig {
	cfg := d.cfg
	cfg.HiddenDims = append([]int(nil), d.cfg.HiddenDims...)
	return cfg
}

// Spec returns the compiled plan.
func (d *Decoder) Spec() *layers.ModelSpec {
	return d.spec
}

func (d *Decoder) Parameters() []*tensor.Tensor {
	return d.body.Parameters()
}

func (d *Decoder) Train() {
	d.training = true
	d.body.Train()
}

func (d *Decoder) Eval() {
	d.training = false
	d.body.Eval()
}

func (d *Decoder) IsTraining() bool {
	return d.training
}
