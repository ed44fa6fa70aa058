// Package orchestrator runs the automatic grouping pipeline and hosts the
// interactive control surface over a loaded document.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/export"
	"github.com/local/invoicesplit/internal/grouping"
	"github.com/local/invoicesplit/internal/logger"
	"github.com/local/invoicesplit/internal/metrics"
	"github.com/local/invoicesplit/internal/progress"
	"github.com/local/invoicesplit/internal/report"
)

// ManifestName is the workbook written to the automatic output root.
const ManifestName = "manifest.xlsx"

// Document is a loaded source PDF.
type Document interface {
	Path() string
	NumPages() int
	Render(index int, dpi float64) (image.Image, error)
	Text(index int) (string, error)
	CopyPages(ctx context.Context, indices []int, w io.Writer) error
	Close() error
}

// TextReader yields the text of one page.
type TextReader interface {
	ReadPage(ctx context.Context, index int) (string, error)
}

// AutoRunner groups pages by recognized code and exports one artifact per group.
type AutoRunner struct {
	Recognizer grouping.Recognizer
	Writer     *export.Writer
	Rasters    bool
	RasterDPI  float64
	Manifest   bool
}

// GroupResult is one exported group.
type GroupResult struct {
	Code    string   `json:"code"`
	Pages   []int    `json:"pages"`
	Path    string   `json:"path"`
	Rasters []string `json:"rasters,omitempty"`
}

// SkipResult is a page that ended up in no group.
type SkipResult struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// RunResult summarizes an automatic run. On abort it holds what was done
// before the failure.
type RunResult struct {
	JobID    string        `json:"job_id"`
	Pages    int           `json:"pages"`
	Groups   []GroupResult `json:"groups"`
	Skipped  []SkipResult  `json:"skipped"`
	Manifest string        `json:"manifest,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Run walks doc page by page, reports progress on rep and exports the
// groups in discovery order. Per-page failures become skips. A failed export
// aborts the run: rep gets one error event, then done.
func (a *AutoRunner) Run(ctx context.Context, doc Document, reader TextReader, rep *progress.Reporter) (*RunResult, error) {
	start := time.Now()
	metrics.JobStarted()
	defer metrics.JobFinished()

	res := &RunResult{JobID: rep.JobID(), Pages: doc.NumPages()}
	lg := logger.Job(res.JobID)
	finish := func(err error) (*RunResult, error) {
		res.Elapsed = time.Since(start)
		if err != nil {
			lg.Error().Err(err).Msg("automatic run aborted")
			rep.Fail(err)
		}
		rep.Done(res)
		return res, err
	}

	g := grouping.NewGrouper()
	total := doc.NumPages()
	lg.Info().Str("file", doc.Path()).Int("pages", total).Msg("automatic run started")

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		text, err := readPage(ctx, reader, i)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return finish(err)
			}
			_ = g.Fail(i, err)
			metrics.IncPage("skipped")
			lg.Warn().Err(err).Int("page", i+1).Msg("page text extraction failed, skipping")
			rep.Skip(i, string(grouping.SkipExtraction), err)
		} else {
			code, found := a.Recognizer.Recognize(text)
			as, err := g.Add(i, code, found)
			if err != nil {
				return finish(err)
			}
			switch {
			case as.Skipped:
				metrics.IncPage("skipped")
				lg.Warn().Int("page", i+1).Msg("no code found and none to carry, skipping")
				rep.Skip(i, string(grouping.SkipNoCode), nil)
			case as.Carried:
				metrics.IncPage("carried")
				lg.Debug().Int("page", i+1).Str("code", as.Code).Msg("carried code forward")
			default:
				metrics.IncPage("grouped")
				lg.Info().Int("page", i+1).Str("code", as.Code).Msg("code found")
			}
		}
		rep.Progress(i+1, total)
	}

	for _, s := range g.Skips() {
		sr := SkipResult{Page: s.Page, Reason: string(s.Reason)}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		res.Skipped = append(res.Skipped, sr)
	}

	var rows []report.GroupRow
	for _, grp := range g.Groups() {
		target := export.Target{Code: grp.Code}
		path, err := a.Writer.Write(ctx, target, doc, grp.Pages)
		if err != nil {
			return finish(fmt.Errorf("export %s: %w", grp.Code, err))
		}
		gr := GroupResult{Code: grp.Code, Pages: grp.Pages, Path: path}
		if a.Rasters {
			gr.Rasters = a.writeRasters(ctx, doc, target, grp.Pages)
		}
		res.Groups = append(res.Groups, gr)
		rows = append(rows, report.GroupRow{Code: grp.Code, Pages: grp.Pages, Path: path})
	}

	if a.Manifest {
		if data, err := report.Manifest(rows, g.Skips()); err != nil {
			lg.Warn().Err(err).Msg("manifest render failed")
		} else if p, err := a.Writer.WriteFile(ctx, ManifestName, data); err != nil {
			lg.Warn().Err(err).Msg("manifest write failed")
		} else {
			res.Manifest = p
		}
	}

	lg.Info().
		Int("groups", len(res.Groups)).
		Int("skipped", len(res.Skipped)).
		Dur("elapsed", time.Since(start)).
		Msg("automatic run finished")
	return finish(nil)
}

// readPage keeps a panicking decoder inside the page boundary: the panic
// comes back as an extraction error and the run goes on.
func readPage(ctx context.Context, reader TextReader, i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: read panicked: %v", i+1, r)
		}
	}()
	return reader.ReadPage(ctx, i)
}

// writeRasters stores page_<n>.png copies; failures are logged and skipped.
func (a *AutoRunner) writeRasters(ctx context.Context, doc Document, t export.Target, pages []int) []string {
	dpi := a.RasterDPI
	if dpi <= 0 {
		dpi = 200
	}
	var out []string
	for _, p := range pages {
		img, err := doc.Render(p, dpi)
		if err != nil {
			log.Warn().Err(err).Int("page", p+1).Str("code", t.Code).Msg("raster render failed")
			continue
		}
		path, err := a.Writer.WriteImage(ctx, t, p, img)
		if err != nil {
			log.Warn().Err(err).Int("page", p+1).Str("code", t.Code).Msg("raster write failed")
			continue
		}
		out = append(out, path)
	}
	return out
}
