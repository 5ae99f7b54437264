package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"rental-ops/internal/config"
)

// Uploader stores a rendered document and reports where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (Stored, error)
}

// Stored describes an uploaded object.
type Stored struct {
	Location string
	URL      string
}

// NewUploader picks S3 when a bucket is configured, local disk otherwise.
func NewUploader(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.DocumentS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Uploader{client: client, bucket: cfg.DocumentS3Bucket, urlPrefix: cfg.DocumentURLPrefix}, nil
	}
	baseDir := cfg.DocumentOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	return &localUploader{baseDir: baseDir, urlPrefix: cfg.DocumentURLPrefix}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DocumentS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DocumentS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DocumentS3Endpoint)
		}
		o.UsePathStyle = cfg.DocumentS3PathStyle
	}), nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty object key")
	}
	return key, nil
}

func publicURL(prefix, key string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimRight(prefix, "/") + "/" + key
}

type localUploader struct {
	baseDir   string
	urlPrefix string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (Stored, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return Stored{}, err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Stored{}, fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Stored{}, fmt.Errorf("write file: %w", err)
	}
	return Stored{Location: path, URL: publicURL(l.urlPrefix, key)}, nil
}

type s3Uploader struct {
	client    *s3.Client
	bucket    string
	urlPrefix string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (Stored, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return Stored{}, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Stored{}, fmt.Errorf("put object: %w", err)
	}
	return Stored{Location: fmt.Sprintf("s3://%s/%s", s.bucket, key), URL: publicURL(s.urlPrefix, key)}, nil
}
