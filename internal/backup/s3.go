package backup

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the part of *s3.Client the writer uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket. Credentials come from the default chain.
type S3Config struct {
	Bucket string
	// Region defaults to us-east-1.
	Region string
	// Endpoint points at an S3-compatible service such as MinIO and
	// switches to path-style addressing.
	Endpoint string
	Prefix   string

	HTTPClient *http.Client
}

// S3Writer stores backups as objects.
type S3Writer struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Writer builds a client from the default AWS configuration.
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return NewS3WriterWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3WriterWithClient wraps an existing client.
func NewS3WriterWithClient(client PutObjectAPI, bucket, prefix string) *S3Writer {
	return &S3Writer{client: client, bucket: bucket, prefix: prefix}
}

// Write puts document at prefix/name.
func (w *S3Writer) Write(ctx context.Context, name string, document []byte) error {
	key := name
	if w.prefix != "" {
		key = path.Join(w.prefix, name)
	}
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(document),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("putting backup %s: %w", key, err)
	}
	return nil
}
