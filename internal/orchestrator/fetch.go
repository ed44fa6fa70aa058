package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Temp file prefixes for downloaded inputs, swept by CleanupTemps.
const (
	httpTempPattern = "pdfdl-*.pdf"
	s3TempPattern   = "s3pdf-*.pdf"
)

// LocalizeInput returns a local filesystem path for ref and, for downloaded
// inputs, the temp file the caller must remove. Supported forms are plain
// paths, file://path, http(s)://url and s3://bucket/key.
func LocalizeInput(ctx context.Context, ref string) (path, tmp string, err error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		p, err := downloadS3ToTemp(ctx, ref)
		return p, p, err
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		p, err := downloadHTTPToTemp(ctx, ref)
		return p, p, err
	case strings.HasPrefix(ref, "file://"):
		return strings.TrimPrefix(ref, "file://"), "", nil
	default:
		return ref, "", nil
	}
}

func downloadHTTPToTemp(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	return copyToTemp(httpTempPattern, resp.Body)
}

func downloadS3ToTemp(ctx context.Context, s3url string) (string, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(s3url, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", fmt.Errorf("invalid s3 url: %s", s3url)
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return "", err
	}
	out, err := s3.NewFromConfig(cfg).GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return "", err
	}
	defer out.Body.Close()

	p, err := copyToTemp(s3TempPattern, out.Body)
	if err != nil {
		return "", err
	}
	log.Info().Str("bucket", bucket).Str("key", key).Str("file", filepath.Base(p)).Msg("downloaded s3 pdf to temp")
	return p, nil
}

func copyToTemp(pattern string, r io.Reader) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
