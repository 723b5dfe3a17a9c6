// Package storage archives CSV exports in S3-compatible object storage.
package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
)

// Uploader is the subset of s3manager.Uploader used for exports.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// S3Config describes the export bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

// Exporter uploads export files under a key prefix.
type Exporter struct {
	uploader Uploader
	bucket   string
	prefix   string
	log      logger.Logger
}

// NewS3Exporter opens an AWS session for cfg. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3Exporter(cfg S3Config, log logger.Logger) (*Exporter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is not configured")
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	s, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return NewExporter(s3manager.NewUploader(s), cfg.Bucket, cfg.Prefix, log), nil
}

// NewExporter wraps an existing uploader.
func NewExporter(u Uploader, bucket, prefix string, log logger.Logger) *Exporter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Exporter{uploader: u, bucket: bucket, prefix: prefix, log: log}
}

// Key returns the object key for an export file name.
func (e *Exporter) Key(name string) string {
	prefix := strings.Trim(e.prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Upload stores body as name and returns the object location.
func (e *Exporter) Upload(ctx context.Context, name string, body io.Reader) (string, error) {
	key := e.Key(name)
	out, err := e.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", errors.Wrapf(err, "uploading s3://%s/%s", e.bucket, key)
	}

	location := "s3://" + e.bucket + "/" + key
	if out != nil && out.Location != "" {
		location = out.Location
	}
	e.log.Info("export uploaded", zap.String("bucket", e.bucket), zap.String("key", key))
	return location, nil
}
