package statuscheck

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BucketProber reports whether the export mirror bucket is reachable.
type BucketProber interface {
	Probe(ctx context.Context) error
}

// OCRVersioner reports the version of the OCR engine.
type OCRVersioner interface {
	Version(ctx context.Context) (string, error)
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis  RedisPinger
	bucket BucketProber
	ocr    OCRVersioner
	roots  []string
}

// Options configures the Checker. Nil dependencies are reported as not
// configured.
type Options struct {
	Redis  RedisPinger
	Bucket BucketProber
	OCR    OCRVersioner
	Roots  []string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis   Status `json:"redis"`
	S3      Status `json:"s3"`
	OCR     Status `json:"ocr"`
	Outputs Status `json:"outputs"`
}

// Healthy reports whether the subsystems needed for local exports are up.
// Redis and S3 are optional.
func (s Summary) Healthy() bool { return s.Outputs.OK }

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	return &Checker{redis: opts.Redis, bucket: opts.Bucket, ocr: opts.OCR, roots: opts.Roots}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:   c.checkRedis(ctx),
		S3:      c.checkS3(ctx),
		OCR:     c.checkOCR(ctx),
		Outputs: c.checkOutputs(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.bucket == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.bucket.Probe(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkOCR(ctx context.Context) Status {
	if c.ocr == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := c.ocr.Version(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: v}
}

// checkOutputs verifies every export root exists or can be created, and
// accepts writes.
func (c *Checker) checkOutputs() Status {
	if len(c.roots) == 0 {
		return Status{OK: false, Message: "no output roots"}
	}
	for _, root := range c.roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return Status{OK: false, Message: trimError(err)}
		}
		f, err := os.CreateTemp(root, ".probe-*")
		if err != nil {
			return Status{OK: false, Message: trimError(err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	return Status{OK: true, Message: "Writable: " + strings.Join(baseNames(c.roots), ", ")}
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
