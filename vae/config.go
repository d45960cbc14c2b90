package vae

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixed block hyperparameters.
const (
	DefaultNegativeSlope     = 0.01
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1

	kernelSize    = 3
	stride        = 2
	padding       = 1
	outputPadding = 1
)

// EncoderConfig holds the construction parameters of an Encoder.
type EncoderConfig struct {
	InChannels          int   `yaml:"in_channels" json:"in_channels"`
	LatentDim           int   `yaml:"latent_dim" json:"latent_dim"`
	HiddenDims          []int `yaml:"hidden_dims" json:"hidden_dims"`
	ImDim               int   `yaml:"im_dim" json:"im_dim"`
	FeedforwardBlockDim int   `yaml:"feedforward_block_dim" json:"feedforward_block_dim"`
}

// Validate checks the encoder configuration without allocating anything.
func (c EncoderConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"in_channels", c.InChannels},
		{"latent_dim", c.LatentDim},
		{"feedforward_block_dim", c.FeedforwardBlockDim},
	} {
		if err := requirePositive(f.name, f.v); err != nil {
			return err
		}
	}
	if err := validateHiddenDims(c.HiddenDims); err != nil {
		return err
	}
	_, err := SpatialDimAfter(c.ImDim, len(c.HiddenDims))
	return err
}

// DecoderConfig holds the construction parameters of a Decoder. HiddenDims
// runs in the direction of spatial growth, typically the encoder's reversed.
type DecoderConfig struct {
	OutChannels         int   `yaml:"out_channels" json:"out_channels"`
	LatentDim           int   `yaml:"latent_dim" json:"latent_dim"`
	HiddenDims          []int `yaml:"hidden_dims" json:"hidden_dims"`
	ImDim               int   `yaml:"im_dim" json:"im_dim"`
	FeedforwardBlockDim int   `yaml:"feedforward_block_dim" json:"feedforward_block_dim"`
}

// Validate checks the decoder configuration, including that the
// feedforward width matches the first deconvolution stage.
func (c DecoderConfig) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"out_channels", c.OutChannels},
		{"latent_dim", c.LatentDim},
		{"feedforward_block_dim", c.FeedforwardBlockDim},
	} {
		if err := requirePositive(f.name, f.v); err != nil {
			return err
		}
	}
	return CheckFeedforwardDim(c.FeedforwardBlockDim, c.HiddenDims, c.ImDim)
}

// Config describes a complete VAE.
type Config struct {
	Encoder EncoderConfig `yaml:"encoder" json:"encoder"`
	Decoder DecoderConfig `yaml:"decoder" json:"decoder"`

	// Seed fixes the sampling noise when non-zero.
	Seed uint64 `yaml:"seed" json:"seed"`
}

func defaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		InChannels:          3,
		LatentDim:           256,
		HiddenDims:          []int{32, 64, 128, 256},
		ImDim:               32,
		FeedforwardBlockDim: 1024,
	}
}

// DefaultConfig is a CIFAR-sized model: 3x32x32 images, four stages and a
// 256-wide latent space.
func DefaultConfig() Config {
	cfg := Config{Encoder: defaultEncoderConfig()}
	_ = cfg.Resolve()
	return cfg
}

// ParseConfig decodes YAML (or JSON) over the default encoder and resolves
// omitted decoder fields.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{Encoder: defaultEncoderConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// Resolve fills omitted decoder fields from the encoder: same latent size,
// image size and channel count, mirrored stage widths, and a derived
// feedforward width. Fields that are already set are left untouched, so an
// inconsistent explicit value still fails Validate.
func (c *Config) Resolve() error {
	d := &c.Decoder
	if d.OutChannels == 0 {
		d.OutChannels = c.Encoder.InChannels
	}
	if d.LatentDim == 0 {
		d.LatentDim = c.Encoder.LatentDim
	}
	if d.ImDim == 0 {
		d.ImDim = c.Encoder.ImDim
	}
	if len(d.HiddenDims) == 0 {
		d.HiddenDims = Mirror(c.Encoder.HiddenDims)
	}
	if d.FeedforwardBlockDim == 0 {
		ff, err := SuggestFeedforwardDim(d.HiddenDims, d.ImDim)
		if err != nil {
			return err
		}
		d.FeedforwardBlockDim = ff
	}
	return nil
}

// Validate checks both halves and that they round-trip an image.
func (c Config) Validate() error {
	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	return checkCompatible(c.Encoder, c.Decoder)
}

func checkCompatible(enc EncoderConfig, dec DecoderConfig) error {
	switch {
	case enc.LatentDim != dec.LatentDim:
		e := configErr("latent_dim", dec.LatentDim, "decoder latent size differs from the encoder's")
		e.Suggested = enc.LatentDim
		return e
	case enc.ImDim != dec.ImDim:
		e := configErr("im_dim", dec.ImDim, "decoder image size differs from the encoder's")
		e.Suggested = enc.ImDim
		return e
	case len(enc.HiddenDims) != len(dec.HiddenDims):
		e := configErr("hidden_dims", len(dec.HiddenDims), "decoder and encoder must have the same number of stages")
		e.Suggested = len(enc.HiddenDims)
		return e
	case enc.InChannels != dec.OutChannels:
		e := configErr("out_channels", dec.OutChannels, "decoder must reproduce the encoder's channel count")
		e.Suggested = enc.InChannels
		return e
	}
	return nil
}
