// Package pdftest probes whether a document carries a usable text layer.
package pdftest

import (
	"errors"
	"math/rand"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// PageProbe captures the result of probing a single page.
type PageProbe struct {
	PageIndex int    `json:"page_index"`
	CharCount int    `json:"char_count"`
	Err       string `json:"err,omitempty"`
}

// Diagnostics describes one text-layer check.
type Diagnostics struct {
	TotalPages         int         `json:"total_pages"`
	SampledPages       []int       `json:"sampled_pages"`
	TotalCharsInSample int         `json:"total_chars_in_sample"`
	Threshold          int         `json:"threshold"`
	Probes             []PageProbe `json:"probes"`
	HasExtractableText bool        `json:"has_extractable_text"`
	DurationMs         int64       `json:"duration_ms"`
}

// DefaultThreshold is used when a non-positive threshold is passed in.
const DefaultThreshold = 300

var whitespaceRegex = regexp.MustCompile(`\s+`)

func stripWhitespace(s string) string {
	return whitespaceRegex.ReplaceAllString(s, "")
}

// TextSource is the slice of a document the probe needs.
type TextSource interface {
	NumPages() int
	Text(index int) (string, error)
}

// ErrNoSource is returned for a nil source.
var ErrNoSource = errors.New("pdftest: no text source")

// HasExtractableText samples pages of src and reports whether their combined
// non-whitespace text reaches threshold. If threshold <= 0, DefaultThreshold is used.
func HasExtractableText(src TextSource, threshold int) (bool, *Diagnostics, error) {
	return HasExtractableTextWithPages(src, threshold, nil)
}

// HasExtractableTextWithPages is like HasExtractableText but samples the given
// indices. Out of range and duplicate indices are dropped.
func HasExtractableTextWithPages(src TextSource, threshold int, pages []int) (bool, *Diagnostics, error) {
	if src == nil {
		return false, nil, ErrNoSource
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	start := time.Now()
	total := src.NumPages()
	diag := &Diagnostics{
		TotalPages:   total,
		SampledPages: []int{},
		Threshold:    threshold,
	}
	if total <= 0 {
		diag.DurationMs = time.Since(start).Milliseconds()
		return false, diag, nil
	}

	if pages != nil {
		diag.SampledPages = normalizeAndClampPages(pages, total)
	} else {
		diag.SampledPages = sampleIndices(total)
	}

	totalChars := 0
	for _, idx := range diag.SampledPages {
		probe := PageProbe{PageIndex: idx}
		text, err := src.Text(idx)
		if err != nil {
			probe.Err = err.Error()
		} else {
			probe.CharCount = len([]rune(stripWhitespace(text)))
			totalChars += probe.CharCount
		}
		diag.Probes = append(diag.Probes, probe)
	}

	diag.TotalCharsInSample = totalChars
	diag.HasExtractableText = totalChars >= threshold
	diag.DurationMs = time.Since(start).Milliseconds()

	log.Debug().
		Int("pages", total).
		Ints("sampled", diag.SampledPages).
		Int("chars", totalChars).
		Int("threshold", threshold).
		Bool("text_layer", diag.HasExtractableText).
		Msg("text layer probe")

	return diag.HasExtractableText, diag, nil
}

// sampleIndices picks every page for short documents; otherwise first, middle,
// last plus two random distinct pages.
func sampleIndices(total int) []int {
	if total <= 0 {
		return []int{}
	}
	if total <= 5 {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	mid := total / 2
	base := map[int]struct{}{0: {}, mid: {}, total - 1: {}}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(base) < 5 {
		base[rnd.Intn(total)] = struct{}{}
	}

	out := make([]int, 0, len(base))
	for i := range base {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func normalizeAndClampPages(pages []int, total int) []int {
	m := make(map[int]struct{})
	for _, p := range pages {
		if p < 0 || p >= total {
			continue
		}
		m[p] = struct{}{}
	}
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
