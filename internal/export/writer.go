// Package export writes invoice artifacts to their deterministic location.
//
// Manual exports land in <root>/<Year>/<Client>/<Code>.pdf, automatic ones in
// <root>/<Code>/<Code>.pdf. Writing to an existing target replaces it.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/metrics"
)

// DefaultExt is the artifact extension.
const DefaultExt = ".pdf"

var (
	// ErrPathInvalid is returned when a target does not map to a child of the root.
	ErrPathInvalid = errors.New("export: invalid target path")
	// ErrNoPages is returned when asked to write an empty artifact.
	ErrNoPages = errors.New("export: no pages to write")
)

// IOError wraps a filesystem failure during export.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Target identifies one artifact. Year and Client are both empty for
// automatic exports.
type Target struct {
	Year   string
	Client string
	Code   string
}

// Mode is "auto" for targets without year/client and "manual" otherwise.
func (t Target) Mode() string {
	if t.Year == "" && t.Client == "" {
		return "auto"
	}
	return "manual"
}

// Dir returns the target directory relative to the export root.
func (t Target) Dir() (string, error) {
	code := SanitizeCode(t.Code)
	if !validSegment(code) {
		return "", fmt.Errorf("%w: code %q", ErrPathInvalid, t.Code)
	}
	if t.Mode() == "auto" {
		return code, nil
	}
	year, client := SanitizeFolder(t.Year), SanitizeFolder(t.Client)
	if !validSegment(year) || !validSegment(client) {
		return "", fmt.Errorf("%w: year %q client %q", ErrPathInvalid, t.Year, t.Client)
	}
	return filepath.Join(year, client), nil
}

// RelPath returns the artifact path relative to the export root.
func (t Target) RelPath(ext string) (string, error) {
	dir, err := t.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SanitizeCode(t.Code)+ext), nil
}

// PageCopier produces a new document holding the given source pages in the
// given order.
type PageCopier interface {
	CopyPages(ctx context.Context, indices []int, w io.Writer) error
}

// Mirror receives a copy of every artifact after a successful local write.
type Mirror interface {
	Upload(ctx context.Context, localPath, relPath string) error
}

// Options configures a Writer.
type Options struct {
	Root     string
	Ext      string
	PermDir  os.FileMode
	PermFile os.FileMode
	Mirror   Mirror
}

// Writer places artifacts below a fixed root.
type Writer struct {
	root   string
	ext    string
	permD  os.FileMode
	permF  os.FileMode
	mirror Mirror
}

// NewWriter returns a Writer rooted at opts.Root.
func NewWriter(opts Options) (*Writer, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrPathInvalid)
	}
	w := &Writer{root: opts.Root, ext: opts.Ext, permD: opts.PermDir, permF: opts.PermFile, mirror: opts.Mirror}
	if w.ext == "" {
		w.ext = DefaultExt
	}
	if w.permD == 0 {
		w.permD = 0o755
	}
	if w.permF == 0 {
		w.permF = 0o644
	}
	return w, nil
}

// Root returns the export root.
func (w *Writer) Root() string { return w.root }

// Path resolves the absolute artifact path for t without touching the disk.
func (w *Writer) Path(t Target) (string, error) {
	rel, err := t.RelPath(w.ext)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, rel), nil
}

// Write copies pages of src, in the given order, into the artifact for t and
// returns its path. The artifact is either fully written or left as it was.
func (w *Writer) Write(ctx context.Context, t Target, src PageCopier, pages []int) (string, error) {
	start := time.Now()
	if len(pages) == 0 {
		return "", ErrNoPages
	}
	rel, err := t.RelPath(w.ext)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		metrics.ObserveExport(t.Mode(), "io_error", time.Since(start))
		return "", &IOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}
	err = w.writeAtomic(dest, func(out io.Writer) error {
		return src.CopyPages(ctx, pages, out)
	})
	if err != nil {
		metrics.ObserveExport(t.Mode(), "io_error", time.Since(start))
		return "", err
	}
	metrics.ObserveExport(t.Mode(), "ok", time.Since(start))
	log.Info().
		Str("code", t.Code).
		Str("mode", t.Mode()).
		Ints("pages", pages).
		Str("path", dest).
		Msg("artifact written")

	w.mirrorTo(ctx, dest, rel)
	return dest, nil
}

// WriteImage stores a raster copy of one page next to t's artifact as
// page_<n>.png, n being one-based.
func (w *Writer) WriteImage(ctx context.Context, t Target, page int, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	relDir, err := t.Dir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.root, relDir)
	if err := os.MkdirAll(dir, w.permD); err != nil {
		return "", &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	name := fmt.Sprintf("page_%d.png", page+1)
	dest := filepath.Join(dir, name)
	err = w.writeAtomic(dest, func(out io.Writer) error {
		return imaging.Encode(out, img, imaging.PNG)
	})
	if err != nil {
		return "", err
	}
	w.mirrorTo(ctx, dest, filepath.Join(relDir, name))
	return dest, nil
}

// WriteFile stores data as name directly below the root, e.g. a run manifest.
func (w *Writer) WriteFile(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validSegment(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: file %q", ErrPathInvalid, name)
	}
	if err := os.MkdirAll(w.root, w.permD); err != nil {
		return "", &IOError{Op: "mkdir", Path: w.root, Err: err}
	}
	dest := filepath.Join(w.root, name)
	err := w.writeAtomic(dest, func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
	if err != nil {
		return "", err
	}
	w.mirrorTo(ctx, dest, name)
	return dest, nil
}

// mirrorTo copies a written file to the mirror. A failed upload leaves the
// local file in place and is only logged.
func (w *Writer) mirrorTo(ctx context.Context, dest, rel string) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.Upload(ctx, dest, filepath.ToSlash(rel)); err != nil {
		log.Warn().Err(err).Str("path", dest).Msg("artifact mirror failed")
	}
}

func (w *Writer) writeAtomic(dest string, fill func(io.Writer) error) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &IOError{Op: "create", Path: dest, Err: err}
	}
	tmpPath := tmp.Name()
	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return &IOError{Op: op, Path: dest, Err: err}
	}

	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := fill(bw); err != nil {
		return fail("write", err)
	}
	if err := bw.Flush(); err != nil {
		return fail("flush", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "close", Path: dest, Err: err}
	}
	_ = os.Chmod(tmpPath, w.permF)
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "rename", Path: dest, Err: err}
	}
	return nil
}
