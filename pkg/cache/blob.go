package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dfm/pkg/config"
)

// BlobStore materializes large node outputs (images, arrays) by reference:
// the fingerprint cache record holds the URI this returns, not the payload
// itself. The Executor writes the blob before put() and reads it back on a
// cache hit.
type BlobStore interface {
	// Put writes data under key and returns the URI the cache should record.
	Put(ctx context.Context, key string, data []byte) (uri string, err error)
	// Get reads back the payload previously written under uri.
	Get(ctx context.Context, uri string) ([]byte, error)
}

// NewBlobStore builds the configured blob backend.
func NewBlobStore(ctx context.Context, cfg config.BlobConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return newS3BlobStore(ctx, cfg)
	case "local", "":
		return newLocalBlobStore(cfg)
	default:
		return nil, fmt.Errorf("cache: unknown blob backend %q", cfg.Backend)
	}
}

// LocalBlobStore writes blobs as files under a configured directory, named
// by a short hash of the key so unrelated fingerprints never collide.
type LocalBlobStore struct {
	dir string
}

func newLocalBlobStore(cfg config.BlobConfig) (*LocalBlobStore, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "./blobs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create blob dir: %w", err)
	}
	return &LocalBlobStore{dir: dir}, nil
}

func (s *LocalBlobStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.dir, ShortHash([]byte(key))+".blob")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("cache: write blob: %w", err)
	}
	return "file://" + path, nil
}

func (s *LocalBlobStore) Get(_ context.Context, uri string) ([]byte, error) {
	path, ok := cutPrefix(uri, "file://")
	if !ok {
		return nil, fmt.Errorf("cache: not a local blob URI: %s", uri)
	}
	return os.ReadFile(path)
}

// S3BlobStore writes blobs to an S3-compatible object bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3BlobStore(ctx context.Context, cfg config.BlobConfig) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cache: s3 blob backend requires a bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("cache: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := s.objectKey(ShortHash([]byte(key)))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("cache: s3 put object: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

func (s *S3BlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, objectKey, ok := parseS3URI(uri)
	if !ok {
		return nil, fmt.Errorf("cache: not an s3 blob URI: %s", uri)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: s3 get object: %w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func parseS3URI(uri string) (bucket, key string, ok bool) {
	rest, ok := cutPrefix(uri, "s3://")
	if !ok {
		return "", "", false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
