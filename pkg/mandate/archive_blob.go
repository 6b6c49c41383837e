package mandate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/Mindburn-Labs/helmpay/pkg/blobstore"
)

// BlobArchive stores each accepted chain as a write-once JSON object.
type BlobArchive struct {
	store blobstore.Store
}

func NewBlobArchive(store blobstore.Store) *BlobArchive {
	return &BlobArchive{store: store}
}

func blobKey(mandateID string) string {
	return url.PathEscape(mandateID) + ".json"
}

func (a *BlobArchive) Append(ctx context.Context, rec *Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("mandate: encode record: %w", err)
	}
	key := blobKey(rec.MandateID)
	if _, err := a.store.PutIfAbsent(ctx, key, data); err != nil {
		return "", fmt.Errorf("mandate: archive put: %w", err)
	}
	return a.store.URI(key), nil
}

func (a *BlobArchive) Get(ctx context.Context, mandateID string) (*Record, error) {
	data, err := a.store.Get(ctx, blobKey(mandateID))
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("mandate: archive get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("mandate: decode record: %w", err)
	}
	return &rec, nil
}
