package progress

import (
	"sync"
)

// Kind classifies an Event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindPage     Kind = "page"
	KindSkip     Kind = "skip"
	KindError    Kind = "error"
	KindDone     Kind = "done"
)

// Event is one message from a background job to the control surface.
type Event struct {
	JobID   string
	Kind    Kind
	Percent int
	Page    int
	Message string
	Err     error
	// Result carries the per-page payload of a page event and the outcome
	// of a done event.
	Result any
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool { return e.Kind == KindDone }

// Reporter publishes the events of a single job. Sends block, so the stream is
// lossless and ordered; the consumer must drain the channel until the done
// event. Percent never decreases, done is sent once and error at most once.
type Reporter struct {
	jobID string
	ch    chan<- Event

	mu      sync.Mutex
	percent int
	failed  bool
	done    bool
}

// NewReporter returns a Reporter for jobID writing to ch.
func NewReporter(jobID string, ch chan<- Event) *Reporter {
	return &Reporter{jobID: jobID, ch: ch, percent: -1}
}

// JobID returns the job this reporter speaks for.
func (r *Reporter) JobID() string { return r.jobID }

// Percent computes the integer share of processed pages.
func Percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	if processed <= 0 {
		return 0
	}
	if processed >= total {
		return 100
	}
	return processed * 100 / total
}

// Progress reports processed out of total pages.
func (r *Reporter) Progress(processed, total int) {
	p := Percent(processed, total)
	r.mu.Lock()
	if r.done || p <= r.percent {
		r.mu.Unlock()
		return
	}
	r.percent = p
	r.mu.Unlock()
	r.ch <- Event{JobID: r.jobID, Kind: KindProgress, Percent: p}
}

// Page delivers the output produced for one page, e.g. a thumbnail.
func (r *Reporter) Page(page int, result any) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return
	}
	r.ch <- Event{JobID: r.jobID, Kind: KindPage, Page: page, Result: result}
}

// Skip reports a page left out of the run. It does not end the job.
func (r *Reporter) Skip(page int, reason string, err error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return
	}
	r.ch <- Event{JobID: r.jobID, Kind: KindSkip, Page: page, Message: reason, Err: err}
}

// Fail reports a run-level abort. Only the first call is sent.
func (r *Reporter) Fail(err error) {
	r.mu.Lock()
	if r.done || r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	r.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.ch <- Event{JobID: r.jobID, Kind: KindError, Message: msg, Err: err}
}

// Done ends the job. Only the first call is sent.
func (r *Reporter) Done(result any) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	pct := r.percent
	if pct < 0 {
		pct = 0
	}
	if !r.failed {
		pct = 100
	}
	r.mu.Unlock()
	r.ch <- Event{JobID: r.jobID, Kind: KindDone, Percent: pct, Result: result}
}
