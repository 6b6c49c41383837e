//go:build !gcp

package blobstore

import (
	"context"
	"fmt"
)

func newGCSStore(_ context.Context, _ Config) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
