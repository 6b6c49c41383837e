//go:build gcp

package blobstore

import "context"

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
