// Package imagecodec converts uploaded image bytes into normalized float32 tensors for the
// style transfer model, and model output tensors back into encodable images.
//
// Tensors are NHWC: (1, height, width, 3) with RGB values in [0, 1].
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gorgonia.org/tensor"
)

// Channels is the number of colour channels in every tensor produced here.
const Channels = 3

// Format is an output image encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// DefaultMaxPixels is the largest width*height Decode accepts when no limit is given. It
// matches the decompression bomb threshold of common imaging libraries.
const DefaultMaxPixels = 178956970

// Decode decodes image bytes in any registered format. The header is read first and images
// declaring more than maxPixels pixels are rejected before any pixel buffer is allocated.
// A maxPixels <= 0 uses DefaultMaxPixels.
func Decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("image data is empty")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("image decoding failed: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, errors.Errorf("image decoding failed: %dx%d exceeds the %d pixel limit",
			cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}

	return img, nil
}

// Load decodes image bytes, converts them to RGB, resizes to size x size with Lanczos3 and
// returns a (1, size, size, 3) tensor normalized to [0, 1]. A size <= 0 keeps the source
// resolution. maxPixels is passed to Decode.
func Load(data []byte, size, maxPixels int) (*tensor.Dense, error) {
	img, err := Decode(data, maxPixels)
	if err != nil {
		return nil, err
	}

	return FromImage(img, size), nil
}

// FromImage runs the Load pipeline on an already decoded image.
func FromImage(img image.Image, size int) *tensor.Dense {
	rgb := toRGB(img)

	var resized image.Image = rgb
	if size > 0 {
		resized = resize.Resize(uint(size), uint(size), rgb, resize.Lanczos3)
	}

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, height*width*Channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*width + x) * Channels
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
		}
	}

	return tensor.New(tensor.WithShape(1, height, width, Channels), tensor.WithBacking(data))
}

// toRGB drops the alpha channel. Straight (non-premultiplied) colour is kept, so a
// transparent NRGBA pixel keeps its RGB value instead of turning black.
func toRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}

	return out
}

// ToImage converts a (1, H, W, 3) or (H, W, 3) float32 tensor into an 8-bit image. Values are
// clipped to [0, 1] before scaling.
func ToImage(t *tensor.Dense) (*image.NRGBA, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}

	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 tensor, got %v", t.Dtype())
	}

	shape := t.Shape()
	switch {
	case len(shape) == 4 && shape[0] == 1:
		shape = shape[1:]
	case len(shape) == 3:
	default:
		return nil, errors.Errorf("unsupported tensor shape %v", shape)
	}

	height, width, channels := shape[0], shape[1], shape[2]
	if channels != Channels {
		return nil, errors.Errorf("expected %d channels, got %d", Channels, channels)
	}
	if len(data) != height*width*channels {
		return nil, errors.Errorf("tensor holds %d values, shape %v needs %d",
			len(data), t.Shape(), height*width*channels)
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * Channels
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(data[i]),
				G: toByte(data[i+1]),
				B: toByte(data[i+2]),
				A: 0xff,
			})
		}
	}

	return img, nil
}

func toByte(v float32) uint8 {
	if math32.IsNaN(v) {
		return 0
	}
	v = math32.Max(0, math32.Min(1, v))
	return uint8(math32.Round(v * 255))
}

// Encode writes img in the requested format.
func Encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, errors.Wrap(err, "png encoding failed")
		}
	case FormatJPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
			return nil, errors.Wrap(err, "jpeg encoding failed")
		}
	default:
		return nil, errors.Errorf("unsupported output format %q", format)
	}

	return buf.Bytes(), nil
}

// EncodeBase64 encodes img and returns it as standard base64 without a data: prefix.
func EncodeBase64(img image.Image, format Format) (string, error) {
	b, err := Encode(img, format)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(b), nil
}
