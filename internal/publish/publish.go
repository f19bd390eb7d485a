// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package publish uploads merged outputs to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/metrics"
)

// Publisher uploads a finished output file.
type Publisher interface {
	Publish(ctx context.Context, movie, subtitle, file string) error
}

// Nop discards every publish request.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, string) error { return nil }

// Config holds the object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

type objectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioPublisher uploads through minio-go.
type MinioPublisher struct {
	client objectPutter
	bucket string
	prefix string
}

// New creates a publisher for cfg. The endpoint may carry a scheme.
func New(cfg Config) (*MinioPublisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish: bucket is required")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ObjectKey returns "<prefix>/<movie>/<subtitle>.mp4".
func ObjectKey(prefix, movie, subtitle string) string {
	return strings.TrimPrefix(path.Join(prefix, movie, subtitle+".mp4"), "/")
}

// Publish uploads file. Failures are counted and returned; callers treat
// them as non-fatal.
func (p *MinioPublisher) Publish(ctx context.Context, movie, subtitle, file string) error {
	key := ObjectKey(p.prefix, movie, subtitle)
	info, err := p.client.FPutObject(ctx, p.bucket, key, file, minio.PutObjectOptions{ContentType: "video/mp4"})
	if err != nil {
		metrics.IncPublish("error")
		return fmt.Errorf("upload %s/%s: %w", p.bucket, key, err)
	}
	metrics.IncPublish("success")
	logger := xglog.WithComponentFromContext(ctx, "publish")
	logger.Info().
		Str("bucket", p.bucket).
		Str("key", key).
		Int64("size", info.Size).
		Msg("output published")
	return nil
}
