package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/imagerender"
	"github.com/local/invoicesplit/internal/logger"
	"github.com/local/invoicesplit/internal/progress"
	"github.com/local/invoicesplit/internal/report"
	"github.com/local/invoicesplit/internal/session"
	"github.com/local/invoicesplit/internal/store"
)

// Job kinds.
const (
	JobThumbnails = "thumbnails"
	JobScan       = "scan"
)

// Opener loads a document from a local path.
type Opener func(path string) (Document, error)

// ReaderFactory builds the page text reader for a document.
type ReaderFactory func(doc Document) TextReader

// Mailer delivers an artifact.
type Mailer interface {
	Send(ctx context.Context, path, recipient string) error
}

// UsageSource serves the recorded usage of a session, e.g. the Redis audit
// trail that outlives the process.
type UsageSource interface {
	Usage(ctx context.Context, sessionID string) (map[int]int, error)
	Exports(ctx context.Context, sessionID string) ([]session.Export, error)
}

// Dependencies wires a Controller.
type Dependencies struct {
	Open         Opener
	Readers      ReaderFactory
	Auto         *AutoRunner
	Manual       session.Exporter
	Session      session.Options
	Status       store.StatusStore
	Usage        UsageSource // optional; the in-memory session is used otherwise
	Mailer       Mailer
	Roots        []string // artifacts below these roots may be delivered
	ThumbnailDPI float64
	PreviewDPI   float64
}

// Controller is the control surface over one loaded document at a time. All
// session state is mutated under its mutex; background jobs only talk to it
// through their progress channel.
type Controller struct {
	deps Dependencies

	mu       sync.Mutex
	doc      Document
	tmp      string
	sess     *session.Session
	jobID    string
	jobKind  string
	jobDone  bool
	thumbs   map[int][]byte
	previews *previewCache
	lastRun  *RunResult
	cancel   context.CancelFunc

	pumps sync.WaitGroup
}

func NewController(deps Dependencies) *Controller {
	if deps.Status == nil {
		deps.Status = store.NewMemoryStatus()
	}
	if deps.ThumbnailDPI <= 0 {
		deps.ThumbnailDPI = 90
	}
	if deps.PreviewDPI <= 0 {
		deps.PreviewDPI = 240
	}
	return &Controller{deps: deps, jobDone: true}
}

// Load opens path as the current document, resets the session and starts the
// thumbnail job. tmp, when set, is removed once the document is replaced.
// Events of any earlier job are ignored from here on.
func (c *Controller) Load(ctx context.Context, path, tmp string) (string, error) {
	doc, err := c.deps.Open(path)
	if err != nil {
		if tmp != "" {
			_ = os.Remove(tmp)
		}
		return "", &FatalRunError{Input: path, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	c.doc = doc
	c.tmp = tmp
	c.sess = session.New(doc, c.deps.Manual, c.deps.Session)
	c.thumbs = make(map[int][]byte, doc.NumPages())
	c.previews = newPreviewCache(16)
	c.lastRun = nil

	log.Info().Str("file", path).Int("pages", doc.NumPages()).Str("session", c.sess.ID()).Msg("document loaded")

	dpi := c.deps.ThumbnailDPI
	return c.startJobLocked(JobThumbnails, func(ctx context.Context, rep *progress.Reporter) {
		renderThumbnails(ctx, doc, dpi, rep)
	}), nil
}

// releaseLocked drops the current document. A job still using it is
// cancelled and its further events are ignored.
func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.doc != nil {
		_ = c.doc.Close()
		c.doc = nil
	}
	if c.tmp != "" {
		_ = os.Remove(c.tmp)
		c.tmp = ""
	}
	c.jobID = ""
	c.jobDone = true
}

// Scan starts an automatic run over the loaded document.
func (c *Controller) Scan(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return "", ErrNoDocument
	}
	if c.deps.Auto == nil || c.deps.Readers == nil {
		return "", fmt.Errorf("automatic mode not configured")
	}
	if !c.jobDone {
		return "", fmt.Errorf("%w: %s %s", ErrJobInFlight, c.jobKind, c.jobID)
	}
	doc := c.doc
	reader := c.deps.Readers(doc)
	auto := c.deps.Auto
	return c.startJobLocked(JobScan, func(ctx context.Context, rep *progress.Reporter) {
		_, _ = auto.Run(ctx, doc, reader, rep)
	}), nil
}

func (c *Controller) startJobLocked(kind string, work func(context.Context, *progress.Reporter)) string {
	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c.jobID, c.jobKind, c.jobDone, c.cancel = jobID, kind, false, cancel

	now := time.Now()
	_ = c.deps.Status.Set(ctx, jobID, store.Status{Kind: kind, State: store.StateRunning, Message: "started", Start: &now})

	ch := make(chan progress.Event, 32)
	rep := progress.NewReporter(jobID, ch)
	go func() {
		defer close(ch)
		work(ctx, rep)
	}()
	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		for ev := range ch {
			c.apply(kind, ev)
		}
	}()
	lg := logger.Job(jobID)
	lg.Info().Str("kind", kind).Msg("job started")
	return jobID
}

// apply consumes one event. Events from a superseded job only update that
// job's stored status.
func (c *Controller) apply(kind string, ev progress.Event) {
	ctx := context.Background()
	st, _, _ := c.deps.Status.Get(ctx, ev.JobID)
	st.Kind = kind

	c.mu.Lock()
	current := ev.JobID == c.jobID
	switch ev.Kind {
	case progress.KindPage:
		if png, ok := ev.Result.([]byte); ok && current {
			c.thumbs[ev.Page] = png
		}
		c.mu.Unlock()
		return
	case progress.KindProgress:
		st.Progress = ev.Percent
		st.Message = fmt.Sprintf("%d%%", ev.Percent)
	case progress.KindSkip:
		st.Message = fmt.Sprintf("page %d skipped: %s", ev.Page+1, ev.Message)
		st.Metadata = bump(st.Metadata, "skipped")
	case progress.KindError:
		st.State = store.StateFailed
		st.Message = ev.Message
	case progress.KindDone:
		now := time.Now()
		st.End = &now
		st.Progress = ev.Percent
		if st.State != store.StateFailed {
			st.State = store.StateDone
			st.Message = "completed"
		}
		if run, ok := ev.Result.(*RunResult); ok {
			st.Metadata = withRun(st.Metadata, run)
			if current {
				c.lastRun = run
			}
		}
		if current {
			c.jobDone = true
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
		}
	}
	c.mu.Unlock()

	if !current {
		lg := logger.Job(ev.JobID)
		lg.Debug().Str("event", string(ev.Kind)).Msg("event from superseded job")
	}
	_ = c.deps.Status.Set(ctx, ev.JobID, st)
}

// bump and withRun return a fresh map; the one passed in may be shared with
// a reader.
func bump(m map[string]interface{}, key string) map[string]interface{} {
	m = cloneMeta(m)
	switch n := m[key].(type) {
	case int:
		m[key] = n + 1
	case float64:
		m[key] = int(n) + 1
	default:
		m[key] = 1
	}
	return m
}

func withRun(m map[string]interface{}, run *RunResult) map[string]interface{} {
	m = cloneMeta(m)
	m["groups"] = len(run.Groups)
	m["skipped"] = len(run.Skipped)
	if run.Manifest != "" {
		m["manifest"] = run.Manifest
	}
	return m
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	maps.Copy(out, m)
	return out
}

// InUse reports whether path backs the loaded document. The document is
// reopened on every export, so its file must outlive any temp sweep.
func (c *Controller) InUse(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return false
	}
	for _, held := range []string{c.tmp, c.doc.Path()} {
		if held != "" && samePath(held, path) {
			return true
		}
	}
	return false
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// Wait blocks until every started job has delivered its done event.
func (c *Controller) Wait() { c.pumps.Wait() }

// Close releases the document and waits for jobs to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.releaseLocked()
	c.sess = nil
	c.mu.Unlock()
	c.Wait()
}

// Job returns the stored status of a job.
func (c *Controller) Job(ctx context.Context, jobID string) (store.Status, bool, error) {
	return c.deps.Status.Get(ctx, jobID)
}

// LastRun returns the result of the most recent automatic run of the
// current document.
func (c *Controller) LastRun() (*RunResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun, c.lastRun != nil
}

// PageInfo describes one page for the page list.
type PageInfo struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	Checked   bool   `json:"checked"`
	Used      int    `json:"used"`
	Thumbnail bool   `json:"thumbnail"`
}

func (c *Controller) withSession(fn func(s *session.Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNoDocument
	}
	return fn(c.sess)
}

func (c *Controller) Pages() ([]PageInfo, error) {
	var out []PageInfo
	err := c.withSession(func(s *session.Session) error {
		labels := s.Labels()
		out = make([]PageInfo, len(labels))
		for i, label := range labels {
			_, thumb := c.thumbs[i]
			out[i] = PageInfo{Index: i, Label: label, Checked: s.IsChecked(i), Used: s.Usage(i), Thumbnail: thumb}
		}
		return nil
	})
	return out, err
}

// Thumbnail returns the PNG thumbnail of page i once rendered.
func (c *Controller) Thumbnail(i int) ([]byte, error) {
	var png []byte
	err := c.withSession(func(s *session.Session) error {
		if i < 0 || i >= s.NumPages() {
			return fmt.Errorf("%w: %d", session.ErrPageOutOfRange, i)
		}
		var ok bool
		if png, ok = c.thumbs[i]; !ok {
			return ErrNotReady
		}
		return nil
	})
	return png, err
}

// Preview renders page i at preview resolution scaled by zoom, which is
// clamped to [0.5, 3.0]. Renders are cached per page and resolution.
func (c *Controller) Preview(i int, zoom float64) ([]byte, error) {
	c.mu.Lock()
	doc, cache := c.doc, c.previews
	c.mu.Unlock()
	if doc == nil {
		return nil, ErrNoDocument
	}
	if i < 0 || i >= doc.NumPages() {
		return nil, fmt.Errorf("%w: %d", session.ErrPageOutOfRange, i)
	}
	dpi := c.deps.PreviewDPI
	img, ok := cache.get(i, dpi)
	if !ok {
		var err error
		if img, err = doc.Render(i, dpi); err != nil {
			return nil, err
		}
		cache.put(i, dpi, img)
	}
	return imagerender.EncodePNG(imagerender.Zoom(img, zoom))
}

func (c *Controller) Toggle(i int) (bool, error) {
	var checked bool
	err := c.withSession(func(s *session.Session) error {
		var err error
		checked, err = s.Toggle(i)
		return err
	})
	return checked, err
}

func (c *Controller) SelectAll() error {
	return c.withSession(func(s *session.Session) error { s.SelectAll(); return nil })
}

func (c *Controller) ClearSelection() error {
	return c.withSession(func(s *session.Session) error { s.ClearSelection(); return nil })
}

// Export commits the current selection.
func (c *Controller) Export(ctx context.Context, req session.Request) (session.Export, error) {
	var e session.Export
	err := c.withSession(func(s *session.Session) error {
		var err error
		e, err = s.Commit(ctx, req)
		return err
	})
	return e, err
}

// Report renders the usage workbook of the current session. With a
// UsageSource the recorded trail is preferred; if it cannot be read the
// in-memory session is reported instead.
func (c *Controller) Report(ctx context.Context) ([]byte, error) {
	var (
		sid     string
		exports []session.Export
		counts  []int
	)
	err := c.withSession(func(s *session.Session) error {
		sid, exports, counts = s.ID(), s.Exports(), s.UsageCounts()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.deps.Usage != nil {
		if e, n, err := c.recordedUsage(ctx, sid, len(counts)); err != nil {
			lg := logger.Session(sid)
			lg.Warn().Err(err).Msg("recorded usage unavailable, reporting session state")
		} else {
			exports, counts = e, n
		}
	}
	return report.Usage(exports, counts)
}

func (c *Controller) recordedUsage(ctx context.Context, sid string, pages int) ([]session.Export, []int, error) {
	byPage, err := c.deps.Usage.Usage(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	exports, err := c.deps.Usage.Exports(ctx, sid)
	if err != nil {
		return nil, nil, err
	}
	counts := make([]int, pages)
	for p, n := range byPage {
		if p >= 0 && p < pages {
			counts[p] = n
		}
	}
	return exports, counts, nil
}

// Deliver mails an artifact that lives below one of the export roots.
func (c *Controller) Deliver(ctx context.Context, path, recipient string) error {
	if c.deps.Mailer == nil {
		return fmt.Errorf("delivery not configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !c.insideRoots(abs) {
		return fmt.Errorf("%w: %s", ErrOutsideRoots, path)
	}
	return c.deps.Mailer.Send(ctx, abs, recipient)
}

func (c *Controller) insideRoots(abs string) bool {
	for _, root := range c.deps.Roots {
		r, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(r, abs)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
			return true
		}
	}
	return false
}

// StatusView is the summary shown by GET /status.
type StatusView struct {
	Document  string   `json:"document,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Pages     int      `json:"pages"`
	TotalUses int      `json:"total_uses"`
	Line      string   `json:"line"`
	Year      string   `json:"year,omitempty"`
	Client    string   `json:"client,omitempty"`
	Other     string   `json:"other,omitempty"`
	Years     []string `json:"years,omitempty"`
	Clients   []string `json:"clients,omitempty"`
	Checked   []int    `json:"checked"`
	JobID     string   `json:"job_id,omitempty"`
	JobKind   string   `json:"job_kind,omitempty"`
	JobDone   bool     `json:"job_done"`
}

func (c *Controller) Status() StatusView {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := StatusView{JobID: c.jobID, JobKind: c.jobKind, JobDone: c.jobDone, Checked: []int{}, Line: "No document loaded"}
	if c.sess == nil || c.doc == nil {
		return v
	}
	v.Document = filepath.Base(c.doc.Path())
	v.SessionID = c.sess.ID()
	v.Pages = c.sess.NumPages()
	v.TotalUses = c.sess.TotalUses()
	v.Line = c.sess.Status()
	v.Year = c.sess.Year()
	v.Client, v.Other = c.sess.Client()
	v.Years = c.sess.Years()
	v.Clients = c.sess.Clients()
	v.Checked = c.sess.Checked()
	return v
}

// SetDraft updates the draft code, year and client; empty values are left alone.
func (c *Controller) SetDraft(code, year, client, other string) error {
	return c.withSession(func(s *session.Session) error {
		if year != "" {
			if err := s.SetYear(year); err != nil {
				return err
			}
		}
		if client != "" {
			if err := s.SetClient(client, other); err != nil {
				return err
			}
		}
		if code != "" {
			s.SetCode(code)
		}
		return nil
	})
}
