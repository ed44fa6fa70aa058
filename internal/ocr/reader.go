package ocr

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/metrics"
	"github.com/local/invoicesplit/internal/pdftest"
)

// Engine selects where page text comes from.
type Engine string

const (
	EngineTesseract Engine = "tesseract"
	EngineTextLayer Engine = "textlayer"
	EngineAuto      Engine = "auto"
)

// ParseEngine maps a config value to an Engine, defaulting to tesseract.
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case "", EngineTesseract:
		return EngineTesseract, nil
	case EngineTextLayer:
		return EngineTextLayer, nil
	case EngineAuto:
		return EngineAuto, nil
	}
	return "", fmt.Errorf("unknown OCR engine %q", s)
}

// Source is the page access a PageReader needs.
type Source interface {
	NumPages() int
	Render(index int, dpi float64) (image.Image, error)
	Text(index int) (string, error)
}

// ImageReader extracts text from a rendered page.
type ImageReader interface {
	ExtractText(ctx context.Context, img image.Image) (string, error)
}

// PageReader yields the text of one page using the configured engine.
type PageReader struct {
	src    Source
	images ImageReader
	engine Engine
	dpi    float64

	once     sync.Once
	resolved Engine
}

func NewPageReader(src Source, images ImageReader, engine Engine, dpi float64) *PageReader {
	if dpi <= 0 {
		dpi = 300
	}
	return &PageReader{src: src, images: images, engine: engine, dpi: dpi}
}

// Engine returns the engine in use. For EngineAuto the document's text layer is
// probed once and the result decides between text layer and tesseract.
func (r *PageReader) Engine() Engine {
	r.once.Do(func() {
		r.resolved = r.engine
		if r.engine != EngineAuto {
			return
		}
		ok, _, err := pdftest.HasExtractableText(r.src, 0)
		if err != nil || !ok {
			r.resolved = EngineTesseract
		} else {
			r.resolved = EngineTextLayer
		}
		log.Info().Str("engine", string(r.resolved)).Msg("resolved OCR engine")
	})
	return r.resolved
}

// ReadPage returns the text of page index.
func (r *PageReader) ReadPage(ctx context.Context, index int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.Engine() == EngineTextLayer {
		start := time.Now()
		text, err := r.src.Text(index)
		metrics.ObserveOCR(string(EngineTextLayer), time.Since(start))
		return text, err
	}
	if r.images == nil {
		return "", fmt.Errorf("page %d: no image reader configured", index)
	}
	img, err := r.src.Render(index, r.dpi)
	if err != nil {
		return "", fmt.Errorf("render page %d: %w", index, err)
	}
	return r.images.ExtractText(ctx, img)
}
