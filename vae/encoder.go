package vae

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-vae/layers"
	"github.com/tsawler/go-vae/nn"
	"github.com/tsawler/go-vae/tensor"
)

// Encoder maps an image batch to the parameters (mu, log_var) of a
// diagonal Gaussian over the latent space.
type Encoder struct {
	cfg EncoderConfig

	body   *nn.Sequential // conv stages, flatten, feedforward block
	mu     *nn.Sequential
	logVar *nn.Sequential

	bodySpec, muSpec, logVarSpec *layers.ModelSpec
	training                     bool
}

// NewEncoder plans the stage stack, checks every dimension and allocates
// the parameters. A non power-of-two image size is a *ConfigurationError.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.HiddenDims = append([]int(nil), cfg.HiddenDims...)

	b := layers.NewModelBuilder([]int{layers.DynamicBatch, cfg.InChannels, cfg.ImDim, cfg.ImDim})
	for i, h := range cfg.HiddenDims {
		b.AddConv2D(h, kernelSize, stride, padding, true, fmt.Sprintf("encoder.stage%d.conv", i)).
			AddBatchNorm(h, DefaultBatchNormEps, DefaultBatchNormMomentum, fmt.Sprintf("encoder.stage%d.norm", i)).
			AddLeakyReLU(DefaultNegativeSlope, fmt.Sprintf("encoder.stage%d.act", i))
	}
	bodySpec, err := b.
		AddFlatten("encoder.flatten").
		AddDense(cfg.FeedforwardBlockDim, true, "encoder.feedforward.linear").
		AddBatchNorm(cfg.FeedforwardBlockDim, DefaultBatchNormEps, DefaultBatchNormMomentum, "encoder.feedforward.norm").
		AddLeakyReLU(DefaultNegativeSlope, "encoder.feedforward.act").
		Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to plan encoder: %w", err)
	}

	muSpec, err := headSpec(cfg.FeedforwardBlockDim, cfg.LatentDim, "encoder.mu")
	if err != nil {
		return nil, err
	}
	logVarSpec, err := headSpec(cfg.FeedforwardBlockDim, cfg.LatentDim, "encoder.log_var")
	if err != nil {
		return nil, err
	}

	e := &Encoder{cfg: cfg, bodySpec: bodySpec, muSpec: muSpec, logVarSpec: logVarSpec, training: true}
	if e.body, err = nn.Build(bodySpec); err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	if e.mu, err = nn.Build(muSpec); err != nil {
		return nil, fmt.Errorf("failed to build mu head: %w", err)
	}
	if e.logVar, err = nn.Build(logVarSpec); err != nil {
		return nil, fmt.Errorf("failed to build log_var head: %w", err)
	}

	slog.Debug("built encoder",
		"stages", len(cfg.HiddenDims),
		"flat_dim", bodySpec.Layers[3*len(cfg.HiddenDims)].OutputShape[1],
		"latent_dim", cfg.LatentDim,
		"parameters", bodySpec.TotalParameters+muSpec.TotalParameters+logVarSpec.TotalParameters)
	return e, nil
}

func headSpec(in, out int, name string) (*layers.ModelSpec, error) {
	spec, err := layers.NewModelBuilder([]int{layers.DynamicBatch, in}).AddDense(out, true, name).Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to plan %s: %w", name, err)
	}
	return spec, nil
}

// Encode returns mu and log_var, each [batch, latent_dim]. log_var is
// unconstrained; exp(0.5*log_var) is the standard deviation.
func (e *Encoder) Encode(image *tensor.Tensor) (mu, logVar *tensor.Tensor, err error) {
	if err := e.checkInput(image); err != nil {
		return nil, nil, err
	}

	h, err := e.body.Forward(image)
	if err != nil {
		return nil, nil, fmt.Errorf("encoder: %w", err)
	}
	if mu, err = e.mu.Forward(h); err != nil {
		return nil, nil, fmt.Errorf("encoder mu head: %w", err)
	}
	if logVar, err = e.logVar.Forward(h); err != nil {
		return nil, nil, fmt.Errorf("encoder log_var head: %w", err)
	}
	return mu, logVar, nil
}

func (e *Encoder) checkInput(image *tensor.Tensor) error {
	want := []int{e.cfg.InChannels, e.cfg.ImDim, e.cfg.ImDim}
	if len(image.Shape) != 4 ||
		image.Shape[1] != want[0] || image.Shape[2] != want[1] || image.Shape[3] != want[2] {
		return fmt.Errorf("%w: encoder expects images [batch, %d, %d, %d], got %v",
			tensor.ErrShapeMismatch, want[0], want[1], want[2], image.Shape)
	}
	return nil
}

func (e *Encoder) Config() EncoderConfig {
	cfg := e.cfg
	cfg.HiddenDims = append([]int(nil), e.cfg.HiddenDims...)
	return cfg
}

// Specs returns the compiled plans: body, mu head, log_var head.
func (e *Encoder) Specs() []*layers.ModelSpec {
	return []*layers.ModelSpec{e.bodySpec, e.muSpec, e.logVarSpec}
}

func (e *Encoder) Parameters() []*tensor.Tensor {
	params := e.body.Parameters()
	params = append(params, e.mu.Parameters()...)
	return append(params, e.logVar.Parameters()...)
}

func (e *Encoder) Train() {
	e.training = true
	e.body.Train()
	e.mu.Train()
	e.logVar.Train()
}

func (e *Encoder) Eval() {
	e.training = false
	e.body.Eval()
	e.mu.Eval()
	e.logVar.Eval()
}

func (e *Encoder) IsTraining() bool {
	return e.training
}
