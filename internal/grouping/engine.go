// Package grouping assigns scanned pages to invoice groups.
//
// Pages are fed in document order. A page with a recognized code opens (or
// extends) that code's group; a page without one inherits the last code seen
// in the run. Pages before the first recognized code belong to no group.
package grouping

import (
	"errors"
	"fmt"
)

// CarryState is the last code assigned in the current run. The zero value is
// the initial NoCodeYet state.
type CarryState struct {
	code string
	set  bool
}

// HasCode reports the carried code, if any.
func (s CarryState) HasCode() (string, bool) { return s.code, s.set }

func (s CarryState) String() string {
	if !s.set {
		return "NoCodeYet"
	}
	return "HasCode(" + s.code + ")"
}

// Next is the carry-forward transition for one page. found reports whether the
// page itself carried code. It returns the new state and the code the page is
// assigned to; ok is false when the page must be dropped.
func Next(state CarryState, code string, found bool) (next CarryState, assigned string, ok bool) {
	if found && code != "" {
		return CarryState{code: code, set: true}, code, true
	}
	if state.set {
		return state, state.code, true
	}
	return state, "", false
}

// Group is one invoice and its pages in ascending index order.
type Group struct {
	Code  string
	Pages []int
}

// SkipReason explains why a page is in no group.
type SkipReason string

const (
	SkipNoCode     SkipReason = "no_code"
	SkipExtraction SkipReason = "extraction_failed"
)

// Skip records a page left out of every group.
type Skip struct {
	Page   int
	Reason SkipReason
	Err    error
}

func (s Skip) String() string {
	if s.Err != nil {
		return fmt.Sprintf("page %d skipped (%s): %v", s.Page+1, s.Reason, s.Err)
	}
	return fmt.Sprintf("page %d skipped (%s)", s.Page+1, s.Reason)
}

// Assignment is what happened to a single page.
type Assignment struct {
	Page    int
	Code    string
	Carried bool
	Skipped bool
}

// ErrPageOrder is returned when pages are not fed in strictly increasing order.
var ErrPageOrder = errors.New("grouping: page indices must be strictly increasing")

// Grouper accumulates groups for one run. It is not safe for concurrent use.
type Grouper struct {
	state  CarryState
	index  map[string]int
	groups []Group
	skips  []Skip
	last   int
}

// NewGrouper returns a Grouper in the NoCodeYet state.
func NewGrouper() *Grouper {
	return &Grouper{index: make(map[string]int), last: -1}
}

// State returns the current carry state.
func (g *Grouper) State() CarryState { return g.state }

// Add feeds the recognition result of page.
func (g *Grouper) Add(page int, code string, found bool) (Assignment, error) {
	if err := g.advance(page); err != nil {
		return Assignment{}, err
	}
	next, assigned, ok := Next(g.state, code, found)
	g.state = next
	if !ok {
		g.skips = append(g.skips, Skip{Page: page, Reason: SkipNoCode})
		return Assignment{Page: page, Skipped: true}, nil
	}
	i, seen := g.index[assigned]
	if !seen {
		i = len(g.groups)
		g.index[assigned] = i
		g.groups = append(g.groups, Group{Code: assigned})
	}
	g.groups[i].Pages = append(g.groups[i].Pages, page)
	return Assignment{Page: page, Code: assigned, Carried: !found}, nil
}

// Fail records a page whose text could not be extracted. The carry state is
// left untouched.
func (g *Grouper) Fail(page int, cause error) error {
	if err := g.advance(page); err != nil {
		return err
	}
	g.skips = append(g.skips, Skip{Page: page, Reason: SkipExtraction, Err: cause})
	return nil
}

func (g *Grouper) advance(page int) error {
	if page < 0 || page <= g.last {
		return fmt.Errorf("%w: got %d after %d", ErrPageOrder, page, g.last)
	}
	g.last = page
	return nil
}

// Groups returns the groups in first-discovery order. The slices are copies.
func (g *Grouper) Groups() []Group {
	out := make([]Group, len(g.groups))
	for i, gr := range g.groups {
		out[i] = Group{Code: gr.Code, Pages: append([]int(nil), gr.Pages...)}
	}
	return out
}

// Skips returns the skipped pages in page order.
func (g *Grouper) Skips() []Skip { return append([]Skip(nil), g.skips...) }

// Recognizer is the code detector used by Run.
type Recognizer interface {
	Recognize(text string) (string, bool)
}

// PageText is the extraction outcome for one page.
type PageText struct {
	Page int
	Text string
	Err  error
}

// Result is the outcome of a full run.
type Result struct {
	Groups []Group
	Skips  []Skip
}

// Run groups pages in a single pass with a fresh carry state.
func Run(rec Recognizer, pages []PageText) (Result, error) {
	g := NewGrouper()
	for _, p := range pages {
		if p.Err != nil {
			if err := g.Fail(p.Page, p.Err); err != nil {
				return Result{}, err
			}
			continue
		}
		code, found := rec.Recognize(p.Text)
		if _, err := g.Add(p.Page, code, found); err != nil {
			return Result{}, err
		}
	}
	return Result{Groups: g.Groups(), Skips: g.Skips()}, nil
}
