package imagerender

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

// ColorMode defines the color mode for rendering
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// Zoom limits for page previews.
const (
	MinZoom = 0.5
	MaxZoom = 3.0
)

// Thumbnail scales img to fit inside maxW x maxH keeping the aspect ratio.
func Thumbnail(img image.Image, maxW, maxH int) image.Image {
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

// ClampZoom keeps a preview zoom factor within [MinZoom, MaxZoom].
func ClampZoom(z float64) float64 {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// Zoom scales img by factor after clamping it.
func Zoom(img image.Image, factor float64) image.Image {
	factor = ClampZoom(factor)
	if factor == 1 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 || h < 1 {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// PrepareForOCR boosts contrast on a scanned page before text recognition.
func PrepareForOCR(img image.Image, mode ColorMode) image.Image {
	var out image.Image = img
	if mode == ColorGray {
		out = imaging.Grayscale(out)
	}
	out = imaging.AdjustContrast(out, 30)
	out = imaging.Sharpen(out, 1.5)
	log.Debug().
		Int("width", out.Bounds().Dx()).
		Int("height", out.Bounds().Dy()).
		Str("color", string(mode)).
		Msg("prepared page for OCR")
	return out
}

// EncodePNG returns img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
