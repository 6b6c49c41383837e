//go:build gcp

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore implements Store on Google Cloud Storage with a DoesNotExist
// precondition.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a new GCS-backed store (ADC credentials).
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return false, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed {
			return false, nil
		}
		return false, fmt.Errorf("gcs close failed: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs read failed for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s%s", s.bucket, s.prefix, key)
}
