// Package storage mirrors exported artifacts to S3.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/local/invoicesplit/internal/limiter"
)

var (
	// ErrNoBucket is returned when a mirror is built without a bucket.
	ErrNoBucket = errors.New("storage: bucket not configured")
	// ErrPaused is returned while uploads are held back after a failure.
	ErrPaused = errors.New("storage: mirror paused after upload failure")
)

// Uploader is the part of manager.Uploader the mirror uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// BucketAPI is the part of s3.Client used for the health probe.
type BucketAPI interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options configures an S3Mirror.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // S3 compatible endpoint, path-style addressing
	AccessKey string
	SecretKey string
	Password  string // seal artifacts before upload when set
	Breaker   *limiter.Breaker
}

// S3Mirror uploads artifacts under <prefix>/<relative path>.
type S3Mirror struct {
	uploader Uploader
	api      BucketAPI
	bucket   string
	prefix   string
	password string
	breaker  *limiter.Breaker
}

// NewS3Mirror loads the AWS config and builds an upload manager. Static keys,
// when given, take precedence over the default credential chain.
func NewS3Mirror(ctx context.Context, opts Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, ErrNoBucket
	}
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3MirrorWith(manager.NewUploader(cli), cli, opts), nil
}

// NewS3MirrorWith builds a mirror over existing clients.
func NewS3MirrorWith(up Uploader, api BucketAPI, opts Options) *S3Mirror {
	if opts.Breaker == nil {
		opts.Breaker = limiter.New(limiter.Options{})
	}
	return &S3Mirror{
		uploader: up,
		api:      api,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		password: opts.Password,
		breaker:  opts.Breaker,
	}
}

func (m *S3Mirror) Bucket() string { return m.bucket }

// Key maps a path relative to the export root to an object key.
func (m *S3Mirror) Key(relPath string) string {
	key := filepath.ToSlash(filepath.Clean(relPath))
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func (m *S3Mirror) breakerKey() string { return "s3:" + m.bucket }

// Upload copies the artifact at localPath to the bucket. After a failed upload
// further uploads fail fast with ErrPaused until the backoff has passed.
func (m *S3Mirror) Upload(ctx context.Context, localPath, relPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}

	key := m.Key(relPath)
	contentType := contentTypeFor(localPath)
	meta := map[string]string{"name": filepath.Base(localPath)}
	if m.password != "" {
		data, err = Seal(data, m.password)
		if err != nil {
			return fmt.Errorf("failed to encrypt artifact: %w", err)
		}
		meta["encrypted"] = "true"
		meta["encryption-format"] = string(gcmMagic)
		contentType = "application/octet-stream"
	}

	if !m.breaker.Allow(m.breakerKey()) {
		return fmt.Errorf("%w: %s", ErrPaused, relPath)
	}
	out, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		m.breaker.Failure(m.breakerKey())
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	m.breaker.Success(m.breakerKey())

	ev := log.Info().Str("bucket", m.bucket).Str("key", key).Int("size", len(data))
	if out != nil {
		ev = ev.Str("location", out.Location)
	}
	ev.Bool("encrypted", m.password != "").Msg("mirrored artifact to S3")
	return nil
}

// Probe checks that the bucket is reachable.
func (m *S3Mirror) Probe(ctx context.Context) error {
	if m.api == nil {
		return errors.New("storage: no bucket client")
	}
	_, err := m.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	return err
}

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}
