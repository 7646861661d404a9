package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrArchiveDisabled = errors.New("object storage is not configured")

const presignExpiry = 24 * time.Hour

// Archiver stores rendered exports and hands out time-limited download links.
type Archiver interface {
	Put(ctx context.Context, key string, result *Result) error
	URL(ctx context.Context, key string) (string, time.Time, error)
}

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchiver writes to any S3-compatible bucket.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects and makes sure the bucket exists.
func NewMinioArchiver(ctx context.Context, cfg ArchiveConfig) (*MinioArchiver, error) {
	if cfg.Endpoint == "" {
		return nil, ErrArchiveDisabled
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *MinioArchiver) Put(ctx context.Context, key string, result *Result) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType:        result.ContentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", result.Filename),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *MinioArchiver) URL(ctx context.Context, key string) (string, time.Time, error) {
	expires := time.Now().Add(presignExpiry)
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, presignExpiry, url.Values{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), expires, nil
}

// ArchiveKey is the object key for a branch snapshot taken at t.
func ArchiveKey(storyID, branchID string, t time.Time, filename string) string {
	return path.Join("stories", storyID, "branches", branchID, t.UTC().Format("20060102T150405Z")+"-"+filename)
}
