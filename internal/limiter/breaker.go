// Package limiter pauses calls to a failing backend with exponential backoff.
package limiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	}
	return "closed"
}

type entry struct {
	state    state
	failures int
	retryAt  time.Time
}

// Breaker tracks one circuit per key. After a failure the key is paused for
// base, doubling on each further failure up to max. Once the pause expires a
// single trial call is let through; its outcome closes or reopens the circuit.
type Breaker struct {
	base, max time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Options configures a Breaker.
type Options struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time
}

func New(opts Options) *Breaker {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{base: opts.BaseBackoff, max: opts.MaxBackoff, now: opts.Now, entries: map[string]*entry{}}
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case open:
		if b.now().Before(e.retryAt) {
			return false
		}
		e.state = halfOpen
		log.Info().Str("key", key).Msg("circuit breaker moved to HALF-OPEN")
		return true
	case halfOpen:
		// trial call already in flight
		return false
	}
	return true
}

// Success closes the circuit for key.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}
	delete(b.entries, key)
	if e.state != closed {
		log.Info().Str("key", key).Msg("circuit breaker CLOSED (reset)")
	}
}

// Failure opens the circuit for key and returns the pause applied.
func (b *Breaker) Failure(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++

	backoff := b.base
	for i := 1; i < e.failures; i++ {
		backoff *= 2
		if backoff > b.max {
			backoff = b.max
			break
		}
	}
	e.state = open
	e.retryAt = b.now().Add(backoff)

	log.Warn().
		Str("key", key).
		Dur("cooldown", backoff).
		Int("failures", e.failures).
		Time("retry_at", e.retryAt).
		Msg("circuit breaker OPENED")
	return backoff
}

// State returns the circuit state of key, e.g. for status pages.
func (b *Breaker) State(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state.String()
	}
	return closed.String()
}
