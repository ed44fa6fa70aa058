// Package pdfsource opens scanned PDFs and serves their pages: rasters and
// text layer through go-fitz (MuPDF), page copies through pdfcpu.
package pdfsource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/filetype"
)

var (
	// ErrPageRange is returned for page indices outside the document.
	ErrPageRange = errors.New("page index out of range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("document closed")
)

// Document is a loaded source PDF. Page indices are zero-based.
// go-fitz documents are not goroutine-safe, so every MuPDF call holds mu.
type Document struct {
	path  string
	pages int

	mu  sync.Mutex
	doc *fitz.Document
}

// Open validates path as a PDF and loads it.
func Open(path string) (*Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	if err := filetype.New().RequirePDF(path); err != nil {
		return nil, err
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("pdf page count failed: %w", err)
	}
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	if doc.NumPage() != n {
		log.Warn().Str("pdf", path).Int("pdfcpu", n).Int("mupdf", doc.NumPage()).Msg("page count mismatch; using MuPDF count")
		n = doc.NumPage()
	}
	log.Info().Str("pdf", path).Int("pages", n).Msg("document loaded")
	return &Document{path: path, pages: n, doc: doc}, nil
}

// Path returns the file the document was loaded from.
func (d *Document) Path() string { return d.path }

// NumPages returns the page count.
func (d *Document) NumPages() int { return d.pages }

func (d *Document) check(index int) error {
	if index < 0 || index >= d.pages {
		return fmt.Errorf("%w: %d (document has %d pages)", ErrPageRange, index, d.pages)
	}
	return nil
}

// Render rasterizes one page at dpi.
func (d *Document) Render(index int, dpi float64) (image.Image, error) {
	if err := d.check(index); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil, ErrClosed
	}
	img, err := d.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", index+1, err)
	}
	log.Debug().
		Int("page", index+1).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Float64("dpi", dpi).
		Msg("rendered page")
	return img, nil
}

// Text returns the embedded text layer of one page. Scans usually have none.
func (d *Document) Text(index int) (string, error) {
	if err := d.check(index); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return "", ErrClosed
	}
	text, err := d.doc.Text(index)
	if err != nil {
		return "", fmt.Errorf("failed to extract text from page %d: %w", index+1, err)
	}
	return text, nil
}

// CopyPages writes a new PDF holding the given pages in the given order.
// The source file is only read.
func (d *Document) CopyPages(ctx context.Context, indices []int, w io.Writer) error {
	if len(indices) == 0 {
		return errors.New("no pages selected")
	}
	selected := make([]string, len(indices))
	for i, idx := range indices {
		if err := d.check(idx); err != nil {
			return err
		}
		selected[i] = strconv.Itoa(idx + 1)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	if err := api.Collect(f, w, selected, nil); err != nil {
		return fmt.Errorf("collect pages %v: %w", selected, err)
	}
	return nil
}

// Close releases the MuPDF handle.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
