package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
)

// Type represents the storage backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type    Type
	DataDir string
	Bucket  string
	Region  string
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint string
	Prefix   string
}

// New creates the configured Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "mandates"))
	case TypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("blobstore: bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case TypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("blobstore: bucket is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
