// Package ocr turns page images into text.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/local/invoicesplit/internal/imagerender"
	"github.com/local/invoicesplit/internal/metrics"
)

// Config holds tesseract settings.
type Config struct {
	Binary      string
	Lang        string
	TessdataDir string
	Grayscale   bool
	TempDir     string
}

// Tesseract extracts text by shelling out to the tesseract CLI.
type Tesseract struct {
	cfg    Config
	runner Runner
}

// Option customizes a Tesseract.
type Option func(*Tesseract)

// WithRunner swaps the command runner.
func WithRunner(r Runner) Option {
	return func(t *Tesseract) { t.runner = r }
}

// ErrNoImage is returned when ExtractText is given a nil image.
var ErrNoImage = errors.New("ocr: nil image")

var reBoxNoise = regexp.MustCompile(`[\f\r]+`)

func NewTesseract(cfg Config, opts ...Option) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	t := &Tesseract{cfg: cfg, runner: execRunner{}}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ExtractText writes img to a temporary PNG and runs
// `tesseract <file> stdout -l <lang>` on it.
func (t *Tesseract) ExtractText(ctx context.Context, img image.Image) (string, error) {
	if img == nil {
		return "", ErrNoImage
	}
	mode := imagerender.ColorRGB
	if t.cfg.Grayscale {
		mode = imagerender.ColorGray
	}
	prepared := imagerender.PrepareForOCR(img, mode)

	f, err := os.CreateTemp(t.cfg.TempDir, "ocr-page-*.png")
	if err != nil {
		return "", fmt.Errorf("ocr temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := imaging.Encode(f, prepared, imaging.PNG); err != nil {
		f.Close()
		return "", fmt.Errorf("ocr encode page: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("ocr temp file: %w", err)
	}

	args := []string{path, "stdout", "-l", t.cfg.Lang}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}

	start := time.Now()
	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	metrics.ObserveOCR("tesseract", time.Since(start))
	if err != nil {
		msg := strings.TrimSpace(string(errb))
		if msg != "" {
			return "", fmt.Errorf("tesseract: %w: %s", err, msg)
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return reBoxNoise.ReplaceAllString(string(out), "\n"), nil
}

// Version reports the tesseract version line, used by health checks.
func (t *Tesseract) Version(ctx context.Context) (string, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, "--version")
	if err != nil {
		return "", fmt.Errorf("tesseract --version: %w", err)
	}
	// older builds print the banner on stderr
	text := string(out)
	if strings.TrimSpace(text) == "" {
		text = string(errb)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line, nil
}
