// Package report renders run manifests and manual usage audits as XLSX.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/local/invoicesplit/internal/grouping"
	"github.com/local/invoicesplit/internal/session"
)

// Sheet names.
const (
	SheetGroups  = "Groups"
	SheetSkipped = "Skipped"
	SheetExports = "Exports"
	SheetPages   = "Pages"
)

// GroupRow is one exported automatic group.
type GroupRow struct {
	Code  string
	Pages []int
	Path  string
}

type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
}

func newSheet(f *excelize.File, name string, headers ...string) (*sheetWriter, error) {
	if index, _ := f.GetSheetIndex(name); index == -1 {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	w := &sheetWriter{f: f, sheet: name, row: 1}
	w.write(toAny(headers)...)
	return w, nil
}

func (w *sheetWriter) write(values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, w.row)
		_ = w.f.SetCellValue(w.sheet, cell, v)
	}
	w.row++
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// pageList renders zero-based indices as one-based page numbers.
func pageList(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p + 1)
	}
	return strings.Join(parts, ", ")
}

// newFile returns a workbook whose default sheet is renamed to first.
func newFile(first string) *excelize.File {
	f := excelize.NewFile()
	_ = f.SetSheetName(f.GetSheetName(0), first)
	return f
}

func finish(f *excelize.File, first string) ([]byte, error) {
	if idx, _ := f.GetSheetIndex(first); idx >= 0 {
		f.SetActiveSheet(idx)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// Manifest lists the groups of an automatic run and the pages it skipped.
func Manifest(groups []GroupRow, skips []grouping.Skip) ([]byte, error) {
	start := time.Now()
	f := newFile(SheetGroups)
	defer f.Close()

	gw, err := newSheet(f, SheetGroups, "Invoice Code", "Pages", "Page Count", "Artifact")
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		gw.write(g.Code, pageList(g.Pages), len(g.Pages), g.Path)
	}
	_ = f.SetColWidth(SheetGroups, "A", "A", 22)
	_ = f.SetColWidth(SheetGroups, "B", "B", 30)
	_ = f.SetColWidth(SheetGroups, "D", "D", 70)

	sw, err := newSheet(f, SheetSkipped, "Page", "Reason", "Error")
	if err != nil {
		return nil, err
	}
	for _, s := range skips {
		msg := ""
		if s.Err != nil {
			msg = s.Err.Error()
		}
		sw.write(s.Page+1, string(s.Reason), msg)
	}
	_ = f.SetColWidth(SheetSkipped, "C", "C", 60)

	out, err := finish(f, SheetGroups)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("groups", len(groups)).Int("skipped", len(skips)).Dur("elapsed", time.Since(start)).Msg("manifest rendered")
	return out, nil
}

// Usage renders the exports committed in a manual session and the per-page
// usage counts.
func Usage(exports []session.Export, counts []int) ([]byte, error) {
	f := newFile(SheetExports)
	defer f.Close()

	ew, err := newSheet(f, SheetExports, "Time", "Year", "Client", "Invoice Code", "Pages", "Artifact")
	if err != nil {
		return nil, err
	}
	for _, e := range exports {
		ew.write(e.At.Format(time.RFC3339), e.Target.Year, e.Target.Client, e.Target.Code, pageList(e.Pages), e.Path)
	}
	_ = f.SetColWidth(SheetExports, "A", "A", 22)
	_ = f.SetColWidth(SheetExports, "C", "D", 20)
	_ = f.SetColWidth(SheetExports, "F", "F", 70)

	pw, err := newSheet(f, SheetPages, "Page", "Used")
	if err != nil {
		return nil, err
	}
	total := 0
	for i, n := range counts {
		pw.write(i+1, n)
		total += n
	}
	pw.write("Total", total)

	return finish(f, SheetExports)
}
