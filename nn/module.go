package nn

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-vae/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// mode carries the train/eval flag shared by every module.
type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

func newParameter(shape []int, data []float32) (*tensor.Tensor, error) {
	p, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		return nil, err
	}
	p.SetRequiresGrad(true)
	return p, nil
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	mode
	weight *tensor.Tensor // [inputSize, outputSize]
	bias   *tensor.Tensor
}

// NewLinear creates a new Linear layer with Xavier-uniform weights and a
// zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Linear dimensions %d -> %d", inputSize, outputSize)
	}
	weight, err := newParameter([]int{inputSize, outputSize}, xavierUniform(inputSize*outputSize, inputSize, outputSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	l := &Linear{mode: mode{training: true}, weight: weight}
	if bias {
		if l.bias, err = newParameter([]int{outputSize}, nil); err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return l, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("%w: Linear layer expects 2D input [batch_size, input_size], got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	return tensor.Linear(input, l.weight, l.bias)
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Weight() *tensor.Tensor { return l.weight }
func (l *Linear) Bias() *tensor.Tensor   { return l.bias }

// Conv2D implements a 2D convolution layer
type Conv2D struct {
	mode
	weight  *tensor.Tensor // [out, in, k, k]
	bias    *tensor.Tensor
	stride  int
	padding int
}

// NewConv2D creates a new Conv2D layer
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid Conv2D configuration in=%d out=%d kernel=%d stride=%d padding=%d",
			inputChannels, outputChannels, kernelSize, stride, padding)
	}
	// fan_in = input_channels * k * k, fan_out = output_channels * k * k
	kk := kernelSize * kernelSize
	weight, err := newParameter(
		[]int{outputChannels, inputChannels, kernelSize, kernelSize},
		xavierUniform(outputChannels*inputChannels*kk, inputChannels*kk, outputChannels*kk),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	conv := &Conv2D{mode: mode{training: true}, weight: weight, stride: stride, padding: padding}
	if bias {
		if conv.bias, err = newParameter([]int{outputChannels}, nil); err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return conv, nil
}

// Forward performs 2D convolution
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// ConvTranspose2D implements a 2D transposed convolution layer
type ConvTranspose2D struct {
	mode
	weight        *tensor.Tensor // [in, out, k, k]
	bias          *tensor.Tensor
	stride        int
	padding       int
	outputPadding int
}

func NewConvTranspose2D(inputChannels, outputChannels, kernelSize, stride, padding, outputPadding int, bias bool) (*ConvTranspose2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid ConvTranspose2D configuration in=%d out=%d kernel=%d stride=%d padding=%d",
			inputChannels, outputChannels, kernelSize, stride, padding)
	}
	if outputPadding < 0 || outputPadding >= stride {
		return nil, fmt.Errorf("output padding %d must be in [0, stride)", outputPadding)
	}
	kk := kernelSize * kernelSize
	weight, err := newParameter(
		[]int{inputChannels, outputChannels, kernelSize, kernelSize},
		xavierUniform(inputChannels*outputChannels*kk, inputChannels*kk, outputChannels*kk),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}

	conv := &ConvTranspose2D{
		mode:          mode{training: true},
		weight:        weight,
		stride:        stride,
		padding:       padding,
		outputPadding: outputPadding,
	}
	if bias {
		if conv.bias, err = newParameter([]int{outputChannels}, nil); err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
	}
	return conv, nil
}

func (c *ConvTranspose2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose2D(input, c.weight, c.bias, c.stride, c.padding, c.outputPadding)
}

func (c *ConvTranspose2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// BatchNorm implements Batch Normalization over the channel dimension of
// [batch, features] or [batch, channels, height, width] input.
type BatchNorm struct {
	mode
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter

	statsMu     sync.Mutex
	runningMean []float32
	runningVar  []float32
}

// NewBatchNorm creates a new Batch Normalization layer
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid BatchNorm feature count %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gammaData := make([]float32, numFeatures)
	runningVar := make([]float32, numFeatures)
	for i := range gammaData {
		gammaData[i] = 1.0
		runningVar[i] = 1.0
	}
	gamma, err := newParameter([]int{numFeatures}, gammaData)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	beta, err := newParameter([]int{numFeatures}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}

	return &BatchNorm{
		mode:        mode{training: true},
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: make([]float32, numFeatures),
		runningVar:  runningVar,
	}, nil
}

// Forward normalizes with batch statistics in training mode (updating the
// running averages) and with the running averages in evaluation mode.
func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm only supports Float32 tensors")
	}
	if len(input.Shape) < 2 || input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("%w: input features mismatch: expected %d, got shape %v", tensor.ErrShapeMismatch, bn.numFeatures, input.Shape)
	}

	if !bn.training {
		mean, variance := bn.RunningStats()
		return tensor.BatchNormInference(input, bn.gamma, bn.beta, mean, variance, bn.eps)
	}

	out, stats, err := tensor.BatchNorm(input, bn.gamma, bn.beta, bn.eps)
	if err != nil {
		return nil, err
	}

	momentum := float32(bn.momentum)
	bn.statsMu.Lock()
	for i := range stats.Mean {
		bn.runningMean[i] = (1-momentum)*bn.runningMean[i] + momentum*stats.Mean[i]
		bn.runningVar[i] = (1-momentum)*bn.runningVar[i] + momentum*stats.Var[i]
	}
	bn.statsMu.Unlock()

	return out, nil
}

// RunningStats returns copies of the running mean and variance.
func (bn *BatchNorm) RunningStats() (*tensor.Tensor, *tensor.Tensor) {
	bn.statsMu.Lock()
	defer bn.statsMu.Unlock()

	mean := make([]float32, bn.numFeatures)
	variance := make([]float32, bn.numFeatures)
	copy(mean, bn.runningMean)
	copy(variance, bn.runningVar)
	m, _ := tensor.NewTensor([]int{bn.numFeatures}, tensor.Float32, mean)
	v, _ := tensor.NewTensor([]int{bn.numFeatures}, tensor.Float32, variance)
	return m, v
}

// Parameters returns the trainable parameters
func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// LeakyReLU implements the leaky rectifier
type LeakyReLU struct {
	mode
	slope float32
}

func NewLeakyReLU(negativeSlope float32) *LeakyReLU {
	return &LeakyReLU{mode: mode{training: true}, slope: negativeSlope}
}

func (r *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLU(input, r.slope), nil
}

// Parameters returns empty slice (LeakyReLU has no parameters)
func (r *LeakyReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Tanh squashes values into (-1, 1)
type Tanh struct {
	mode
}

func NewTanh() *Tanh {
	return &Tanh{mode: mode{training: true}}
}

func (t *Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Tanh(input), nil
}

func (t *Tanh) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	mode
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{mode: mode{training: true}}
}

// Forward flattens the input tensor to [batch_size, -1]
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("%w: Flatten expects input with at least 2 dimensions, got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	return tensor.Reshape(input, []int{input.Shape[0], -1})
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Reshape views each sample with a fixed per-sample shape.
type Reshape struct {
	mode
	shape []int
}

func NewReshape(shape []int) *Reshape {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Reshape{mode: mode{training: true}, shape: s}
}

func (r *Reshape) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 1 {
		return nil, fmt.Errorf("%w: Reshape expects a batch dimension", tensor.ErrShapeMismatch)
	}
	return tensor.Reshape(input, append([]int{input.Shape[0]}, r.shape...))
}

func (r *Reshape) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	mode
	modules []Module
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{mode: mode{training: true}, modules: modules}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d (%T) forward failed: %w", i, module, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// Len returns the number of modules.
func (s *Sequential) Len() int {
	return len(s.modules)
}

// Module returns the i-th module.
func (s *Sequential) Module(i int) Module {
	return s.modules[i]
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
