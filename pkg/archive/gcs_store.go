//go:build gcp

package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSStore writes sealed bundles to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads a bundle; existing objects are left untouched.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	objectPath := s.prefix + key
	obj := s.client.Bucket(s.bucket).Object(objectPath)

	if _, err := obj.Attrs(ctx); err == nil {
		return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close failed: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
