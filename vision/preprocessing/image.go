package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-vae/tensor"
)

// ImageProcessor turns decoded images into normalized CHW float32 data:
// resize to targetSize x targetSize, scale to [0, 1], then (x - mean) / std
// per channel. With the default mean and std of 0.5 the output lies in
// [-1, 1], the range the decoder's tanh produces.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA

	targetSize int
	channels   int
	mean       []float32
	std        []float32
}

// NewImageProcessor creates a processor for 1 (grayscale) or 3 (RGB)
// channels with mean and std 0.5.
func NewImageProcessor(targetSize, channels int) (*ImageProcessor, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("invalid target size %d", targetSize)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d (want 1 or 3)", channels)
	}
	p := &ImageProcessor{targetSize: targetSize, channels: channels}
	for range channels {
		p.mean = append(p.mean, 0.5)
		p.std = append(p.std, 0.5)
	}
	return p, nil
}

// SetNormalization replaces the per-channel mean and std.
func (p *ImageProcessor) SetNormalization(mean, std []float32) error {
	if len(mean) != p.channels || len(std) != p.channels {
		return fmt.Errorf("normalization needs %d values per statistic, got mean=%d std=%d", p.channels, len(mean), len(std))
	}
	for c, s := range std {
		if s <= 0 {
			return fmt.Errorf("std for channel %d must be positive, got %g", c, s)
		}
	}
	p.mean = append([]float32(nil), mean...)
	p.std = append([]float32(nil), std...)
	return nil
}

func (p *ImageProcessor) TargetSize() int { return p.targetSize }
func (p *ImageProcessor) Channels() int   { return p.channels }

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Decode reads a PNG or JPEG image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Preprocess resizes img and returns it in CHW layout, normalized.
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	size := p.targetSize
	plane := size * size

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	dst := p.tempImageBuffer
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	data := make([]float32, p.channels*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			px := dst.RGBAAt(x, y)
			if p.channels == 1 {
				gray := color.GrayModel.Convert(px).(color.Gray)
				data[idx] = p.normalize(0, float32(gray.Y)/255)
				continue
			}
			data[0*plane+idx] = p.normalize(0, float32(px.R)/255)
			data[1*plane+idx] = p.normalize(1, float32(px.G)/255)
			data[2*plane+idx] = p.normalize(2, float32(px.B)/255)
		}
	}

	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: p.channels}
}

func (p *ImageProcessor) normalize(c int, v float32) float32 {
	return (v - p.mean[c]) / p.std[c]
}

// DecodeAndPreprocess decodes an image and preprocesses it for neural network input
func (p *ImageProcessor) DecodeAndPreprocess(r io.Reader) (*ProcessedImage, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

func (p *ImageProcessor) clone() *ImageProcessor {
	return &ImageProcessor{
		targetSize: p.targetSize,
		channels:   p.channels,
		mean:       append([]float32(nil), p.mean...),
		std:        append([]float32(nil), p.std...),
	}
}

// PreprocessBatch preprocesses image files concurrently, keeping their order.
func (p *ImageProcessor) PreprocessBatch(imagePaths []string, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			defer file.Close()

			img, err := p.clone().DecodeAndPreprocess(file)
			if err != nil {
				return fmt.Errorf("failed to process image %d (%s): %w", i, path, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stack packs preprocessed images into one [N, C, H, W] tensor.
func Stack(images []*ProcessedImage) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to stack")
	}
	first := images[0]
	per := first.Channels * first.Height * first.Width
	data := make([]float32, 0, len(images)*per)
	for i, img := range images {
		if img.Channels != first.Channels || img.Height != first.Height || img.Width != first.Width {
			return nil, fmt.Errorf("%w: image %d is %dx%dx%d, want %dx%dx%d", tensor.ErrShapeMismatch,
				i, img.Channels, img.Height, img.Width, first.Channels, first.Height, first.Width)
		}
		data = append(data, img.Data...)
	}
	return tensor.NewTensor([]int{len(images), first.Channels, first.Height, first.Width}, tensor.Float32, data)
}

// ToImage maps sample n of a [N, C, H, W] batch back to pixels, undoing the
// normalization and clamping to the displayable range.
func (p *ImageProcessor) ToImage(batch *tensor.Tensor, n int) (image.Image, error) {
	if len(batch.Shape) != 4 || batch.Shape[1] != p.channels {
		return nil, fmt.Errorf("%w: expected [N, %d, H, W], got %v", tensor.ErrShapeMismatch, p.channels, batch.Shape)
	}
	if n < 0 || n >= batch.Shape[0] {
		return nil, fmt.Errorf("sample index %d out of range [0, %d)", n, batch.Shape[0])
	}

	h, w := batch.Shape[2], batch.Shape[3]
	plane := h * w
	src := batch.Data[n*p.channels*plane : (n+1)*p.channels*plane]
	pixel := func(c, idx int) uint8 {
		return toByte(src[c*plane+idx]*p.std[c] + p.mean[c])
	}

	if p.channels == 1 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: pixel(0, y*w+x)})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			img.SetRGBA(x, y, color.RGBA{R: pixel(0, idx), G: pixel(1, idx), B: pixel(2, idx), A: 255})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
