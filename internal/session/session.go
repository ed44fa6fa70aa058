// Package session models the operator-driven grouping of pages into invoices.
//
// A Session belongs to one loaded document. It tracks which pages are checked,
// the draft invoice code, the selected year and client, and how many committed
// exports each page has been part of.
package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/local/invoicesplit/internal/export"
	"github.com/local/invoicesplit/internal/logger"
)

// OtherClient is the client choice that takes a free-text name.
const OtherClient = "Other"

var (
	DefaultYears   = []string{"2026", "2027", "2028"}
	DefaultClients = []string{"ALG", "DSV", "ICAT", "ROCKIT CARGO", "RXO"}
)

// Document is the loaded source the session exports from.
type Document interface {
	NumPages() int
	export.PageCopier
}

// Exporter writes one artifact and returns its path.
type Exporter interface {
	Write(ctx context.Context, t export.Target, src export.PageCopier, pages []int) (string, error)
}

// Export is one committed artifact.
type Export struct {
	SessionID string        `json:"session_id"`
	Target    export.Target `json:"target"`
	Path      string        `json:"path"`
	Pages     []int         `json:"pages"`
	At        time.Time     `json:"at"`
}

// UsageRecorder receives every committed export, e.g. for an external audit
// trail. Recorder errors are logged and never fail a commit.
type UsageRecorder interface {
	RecordExport(ctx context.Context, e Export) error
}

// Options configures a Session.
type Options struct {
	Years         []string
	Clients       []string
	DefaultClient string
	Recorder      UsageRecorder
	Now           func() time.Time
}

// Request is the input to Commit. Empty Code falls back to the draft code set
// with SetCode; empty Year and Client fall back to the current selections.
type Request struct {
	Code   string
	Year   string
	Client string
	Other  string // free-text name used when Client is OtherClient
}

// Session is not safe for concurrent use; callers serialize access.
type Session struct {
	id      string
	doc     Document
	writer  Exporter
	opts    Options
	years   []string
	clients []string

	year    string
	client  string
	other   string
	code    string
	checked map[int]struct{}
	usage   []int
	exports []Export
}

// New starts a session over doc with all counters at zero.
func New(doc Document, writer Exporter, opts Options) *Session {
	if len(opts.Years) == 0 {
		opts.Years = DefaultYears
	}
	if len(opts.Clients) == 0 {
		opts.Clients = DefaultClients
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	clients := slices.Clone(opts.Clients)
	if !slices.Contains(clients, OtherClient) {
		clients = append(clients, OtherClient)
	}
	def := opts.DefaultClient
	if def == "" || !slices.Contains(clients, def) {
		def = clients[0]
	}
	return &Session{
		id:      uuid.NewString(),
		doc:     doc,
		writer:  writer,
		opts:    opts,
		years:   slices.Clone(opts.Years),
		clients: clients,
		year:    opts.Years[0],
		client:  def,
		checked: make(map[int]struct{}),
		usage:   make([]int, doc.NumPages()),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) NumPages() int { return len(s.usage) }

func (s *Session) Years() []string { return slices.Clone(s.years) }

// Clients lists the client choices, OtherClient last.
func (s *Session) Clients() []string { return slices.Clone(s.clients) }

func (s *Session) Year() string { return s.year }

// Client returns the selected choice and the free-text name for OtherClient.
func (s *Session) Client() (string, string) { return s.client, s.other }

func (s *Session) Code() string { return s.code }

// SetCode sets the draft invoice code.
func (s *Session) SetCode(code string) { s.code = code }

func (s *Session) SetYear(year string) error {
	if !slices.Contains(s.years, year) {
		return fmt.Errorf("%w: %q", ErrUnknownYear, year)
	}
	s.year = year
	return nil
}

// SetClient selects a client. other is kept only for OtherClient.
func (s *Session) SetClient(client, other string) error {
	if !slices.Contains(s.clients, client) {
		return fmt.Errorf("%w: %q", ErrUnknownClient, client)
	}
	s.client = client
	if client == OtherClient {
		s.other = other
	}
	return nil
}

func (s *Session) checkPage(i int) error {
	if i < 0 || i >= len(s.usage) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrPageOutOfRange, i, len(s.usage))
	}
	return nil
}

// Toggle flips page i in the checked set and reports whether it is now checked.
func (s *Session) Toggle(i int) (bool, error) {
	if err := s.checkPage(i); err != nil {
		return false, err
	}
	if _, ok := s.checked[i]; ok {
		delete(s.checked, i)
		return false, nil
	}
	s.checked[i] = struct{}{}
	return true, nil
}

func (s *Session) SelectAll() {
	for i := range s.usage {
		s.checked[i] = struct{}{}
	}
}

func (s *Session) ClearSelection() {
	clear(s.checked)
}

func (s *Session) IsChecked(i int) bool {
	_, ok := s.checked[i]
	return ok
}

// Checked returns the checked pages in ascending order, whatever order they
// were checked in.
func (s *Session) Checked() []int {
	out := make([]int, 0, len(s.checked))
	for i := range s.checked {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

// Usage returns how many committed exports included page i.
func (s *Session) Usage(i int) int {
	if s.checkPage(i) != nil {
		return 0
	}
	return s.usage[i]
}

// UsageCounts returns a copy of all counters indexed by page.
func (s *Session) UsageCounts() []int { return slices.Clone(s.usage) }

// TotalUses sums the usage counters.
func (s *Session) TotalUses() int {
	total := 0
	for _, n := range s.usage {
		total += n
	}
	return total
}

// Label is the list label for page i, e.g. "Page 3  (used: 1)".
func (s *Session) Label(i int) string {
	return fmt.Sprintf("Page %d  (used: %d)", i+1, s.Usage(i))
}

// Labels returns Label for every page in order.
func (s *Session) Labels() []string {
	out := make([]string, len(s.usage))
	for i := range s.usage {
		out[i] = s.Label(i)
	}
	return out
}

// Status is the one-line summary of the session.
func (s *Session) Status() string {
	return fmt.Sprintf("Total pages: %d | Total page-uses recorded: %d", len(s.usage), s.TotalUses())
}

// Exports returns the committed exports in commit order.
func (s *Session) Exports() []Export { return slices.Clone(s.exports) }

// resolveClient returns the folder name for the chosen client.
func (s *Session) resolveClient(choice, other string) (string, error) {
	if choice == "" {
		choice, other = s.client, s.other
	}
	if !slices.Contains(s.clients, choice) {
		return "", fmt.Errorf("%w: %q", ErrUnknownClient, choice)
	}
	if choice != OtherClient {
		return choice, nil
	}
	name := export.SanitizeFolder(other)
	if name == "" {
		return "", ErrMissingClient
	}
	return name, nil
}

// Commit exports the checked pages, in ascending order, to the target built
// from req. Validation runs in the order client, code, selection, year and a
// failure changes nothing. On success every exported page's usage count goes
// up by one, the selection and draft code are cleared, and the year and
// client become the current selections.
func (s *Session) Commit(ctx context.Context, req Request) (Export, error) {
	folder, err := s.resolveClient(req.Client, req.Other)
	if err != nil {
		return Export{}, err
	}
	code := req.Code
	if strings.TrimSpace(code) == "" {
		code = s.code
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Export{}, ErrMissingCode
	}
	pages := s.Checked()
	if len(pages) == 0 {
		return Export{}, ErrNoPagesSelected
	}
	year := req.Year
	if year == "" {
		year = s.year
	}
	if !slices.Contains(s.years, year) {
		return Export{}, fmt.Errorf("%w: %q", ErrUnknownYear, year)
	}

	target := export.Target{Year: year, Client: folder, Code: export.SanitizeCode(code)}
	path, err := s.writer.Write(ctx, target, s.doc, pages)
	if err != nil {
		return Export{}, err
	}

	for _, i := range pages {
		s.usage[i]++
	}
	s.ClearSelection()
	s.code = ""
	s.year = year
	if req.Client != "" {
		s.client = req.Client
		if req.Client == OtherClient {
			s.other = req.Other
		}
	}

	e := Export{SessionID: s.id, Target: target, Path: path, Pages: pages, At: s.opts.Now()}
	s.exports = append(s.exports, e)

	lg := logger.Session(s.id)
	lg.Info().
		Str("code", target.Code).
		Str("year", year).
		Str("client", folder).
		Ints("pages", pages).
		Str("path", path).
		Msg("manual export committed")

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordExport(ctx, e); err != nil {
			lg.Warn().Err(err).Msg("failed to record export usage")
		}
	}
	return e, nil
}
