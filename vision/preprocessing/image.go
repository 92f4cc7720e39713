// Package preprocessing decodes images into normalized float32 samples.
package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
)

// ImageProcessor decodes JPEG or PNG images and resizes them to a fixed
// height x width x channels layout. It holds no mutable state and is safe
// for concurrent use.
type ImageProcessor struct {
	height   int
	width    int
	channels int
}

// NewImageProcessor creates a processor for dims = [height, width, channels].
// Channels must be 1 (luminance) or 3 (RGB).
func NewImageProcessor(dims []int) (*ImageProcessor, error) {
	if len(dims) != 3 {
		return nil, fmt.Errorf("image dims must be [height, width, channels], got %v", dims)
	}
	if dims[0] <= 0 || dims[1] <= 0 {
		return nil, fmt.Errorf("image dims must be positive, got %v", dims)
	}
	if dims[2] != 1 && dims[2] != 3 {
		return nil, fmt.Errorf("image channels must be 1 or 3, got %d", dims[2])
	}
	return &ImageProcessor{height: dims[0], width: dims[1], channels: dims[2]}, nil
}

// SampleSize is the number of float32 values per decoded image.
func (p *ImageProcessor) SampleSize() int {
	return p.height * p.width * p.channels
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // HWC, values in [0, 1]
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes an image and resamples it with nearest
// neighbour to the target size. Data is returned in HWC order normalized to
// [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}
	scaleX := float64(srcW) / float64(p.width)
	scaleY := float64(srcH) / float64(p.height)

	data := make([]float32, p.SampleSize())
	for y := 0; y < p.height; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < p.width; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= srcW {
				srcX = srcW - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := (y*p.width + x) * p.channels
			if p.channels == 1 {
				// ITU-R 601 luma
				data[idx] = float32((0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0)
			} else {
				data[idx] = float32(r) / 65535.0
				data[idx+1] = float32(g) / 65535.0
				data[idx+2] = float32(b) / 65535.0
			}
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: p.channels,
	}, nil
}

// LoadFile decodes the image at path.
func (p *ImageProcessor) LoadFile(path string) ([]float32, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img.Data, nil
}
