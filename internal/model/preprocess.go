package model

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// MaxPixels bounds the raster size Decode accepts, checked from the header
// before any pixel buffer is allocated.
const MaxPixels = 64 << 20

var supportedFormats = map[string]bool{"jpeg": true, "png": true}

// Decode reads a JPEG or PNG raster. Any other input, or a header declaring
// more than MaxPixels, is a *DecodeError.
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &DecodeError{Err: errors.Wrap(err, "read image")}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if !supportedFormats[format] {
		return nil, &DecodeError{Err: errors.Errorf("unsupported format %q", format)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, &DecodeError{Err: errors.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, MaxPixels)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Err: errors.New("empty image")}
	}
	return img, nil
}

// Preprocess turns an image into the [1,3,224,224] channel-first tensor the
// network was trained on: bilinear resize, RGB in [0,1], then ImageNet
// standardization per channel.
func Preprocess(img image.Image) []float32 {
	resized := resize.Resize(ImageSize, ImageSize, toNRGBA(img), resize.Bilinear)
	bounds := resized.Bounds()

	plane := ImageSize * ImageSize
	data := make([]float32, InputLen)
	for y := 0; y < ImageSize; y++ {
		for x := 0; x < ImageSize; x++ {
			// Alpha is dropped, not composited.
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			i := y*ImageSize + x
			data[i] = standardize(c.R, 0)
			data[plane+i] = standardize(c.G, 1)
			data[2*plane+i] = standardize(c.B, 2)
		}
	}
	return data
}

func standardize(v uint8, channel int) float32 {
	return (float32(v)/255.0 - imageNetMean[channel]) / imageNetStd[channel]
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Argmax returns the index of the largest score; ties go to the first.
func Argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}
