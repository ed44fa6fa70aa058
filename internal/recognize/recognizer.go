package recognize

import (
	"errors"
	"fmt"
	"regexp"
)

// DefaultPattern matches the airway code printed on the carrier template,
// e.g. "HAWB:LAX-904991PAGE:" -> "LAX-904991".
const DefaultPattern = `HAWB:([A-Z]+-\d+(?:-[A-Z]+)?)P[a-zA-Z]{2,}:`

// ErrNoCaptureGroup is returned when a pattern has nothing to extract.
var ErrNoCaptureGroup = errors.New("recognize: pattern has no capture group")

// Recognizer extracts an invoice code from page text. It holds no state
// besides the compiled pattern and is safe for concurrent use.
type Recognizer struct {
	re *regexp.Regexp
}

// New compiles pattern. An empty pattern selects DefaultPattern.
// The first capture group is the code.
func New(pattern string) (*Recognizer, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, ErrNoCaptureGroup
	}
	return &Recognizer{re: re}, nil
}

// MustDefault returns a Recognizer for DefaultPattern.
func MustDefault() *Recognizer {
	r, err := New(DefaultPattern)
	if err != nil {
		panic(err)
	}
	return r
}

// Pattern returns the source of the compiled pattern.
func (r *Recognizer) Pattern() string { return r.re.String() }

// Recognize returns the code captured by the first match in text.
func (r *Recognizer) Recognize(text string) (string, bool) {
	m := r.re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}
