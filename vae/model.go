package vae

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/tensor"
)

// VAE owns one Encoder, one Decoder and the learnable log_scale used by an
// external Gaussian reconstruction likelihood.
type VAE struct {
	encoder  *Encoder
	decoder  *Decoder
	logScale *tensor.Tensor
	noise    rand.Source
}

// Output is the result of one forward pass.
type Output struct {
	Reconstruction *tensor.Tensor
	Mu             *tensor.Tensor
	LogVar         *tensor.Tensor
	Sigma          *tensor.Tensor
	Z              *tensor.Tensor
}

type Option func(*VAE)

// WithSeed makes the sampling noise reproducible. The source is safe for
// concurrent forward passes.
func WithSeed(seed uint64) Option {
	return func(v *VAE) {
		v.noise = tensor.NewLockedSource(seed)
	}
}

// WithNoiseSource draws sampling noise from src. The caller is responsible
// for src being safe if forward passes run concurrently.
func WithNoiseSource(src rand.Source) Option {
	return func(v *VAE) {
		v.noise = src
	}
}

// New composes an encoder and a decoder. They must agree on latent size,
// image size, stage count and channel count.
func New(encoder *Encoder, decoder *Decoder, opts ...Option) (*VAE, error) {
	if encoder == nil || decoder == nil {
		return nil, fmt.Errorf("encoder and decoder are required")
	}
	if err := checkCompatible(encoder.cfg, decoder.cfg); err != nil {
		return nil, err
	}

	logScale := tensor.Scalar(0, tensor.Float32)
	logScale.SetRequiresGrad(true)

	v := &VAE{encoder: encoder, decoder: decoder, logScale: logScale}
	for _, opt := range opts {
		opt(v)
	}

	slog.Debug("built vae", "latent_dim", encoder.cfg.LatentDim, "parameters", v.NumParameters())
	return v, nil
}

// NewFromConfig resolves and validates cfg, then builds the whole model.
func NewFromConfig(cfg Config, opts ...Option) (*VAE, error) {
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	encoder, err := NewEncoder(cfg.Encoder)
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoder(cfg.Decoder)
	if err != nil {
		return nil, err
	}
	if cfg.Seed != 0 {
		opts = append([]Option{WithSeed(cfg.Seed)}, opts...)
	}
	return New(encoder, decoder, opts...)
}

// Forward encodes, samples with the reparameterization trick and decodes.
// The reconstruction has the input's shape.
func (v *VAE) Forward(image *tensor.Tensor) (*Output, error) {
	mu, logVar, err := v.encoder.Encode(image)
	if err != nil {
		return nil, err
	}

	sigma := tensor.Exp(tensor.Scale(logVar, 0.5))
	z, err := Sample(mu, sigma, v.noise)
	if err != nil {
		return nil, err
	}

	xHat, err := v.decoder.Decode(z)
	if err != nil {
		return nil, err
	}

	return &Output{Reconstruction: xHat, Mu: mu, LogVar: logVar, Sigma: sigma, Z: z}, nil
}

// LogScale is the learnable log standard deviation of the per-pixel
// Gaussian observation model, shape [1], initialized to 0.
func (v *VAE) LogScale() *tensor.Tensor {
	return v.logScale
}

func (v *VAE) Encoder() *Encoder { return v.encoder }
func (v *VAE) Decoder() *Decoder { return v.decoder }

// Parameters returns every learnable tensor: encoder, decoder, log_scale.
func (v *VAE) Parameters() []*tensor.Tensor {
	params := v.encoder.Parameters()
	params = append(params, v.decoder.Parameters()...)
	return append(params, v.logScale)
}

func (v *VAE) NumParameters() int64 {
	var n int64
	for _, p := range v.Parameters() {
		n += int64(p.NumElems)
	}
	return n
}

func (v *VAE) Train() {
	v.encoder.Train()
	v.decoder.Train()
}

func (v *VAE) Eval() {
	v.encoder.Eval()
	v.decoder.Eval()
}

func (v *VAE) IsTraining() bool {
	return v.encoder.IsTraining()
}

// NamedSpec labels one compiled block of the model.
type NamedSpec struct {
	Name string            `json:"name"`
	Spec *layers.ModelSpec `json:"spec"`
}

// Summary lists the compiled plans in data-flow order.
func (v *VAE) Summary() []NamedSpec {
	enc := v.encoder.Specs()
	return []NamedSpec{
		{Name: "encoder", Spec: enc[0]},
		{Name: "mu", Spec: enc[1]},
		{Name: "log_var", Spec: enc[2]},
		{Name: "decoder", Spec: v.decoder.Spec()},
	}
}
