//go:build gcp

package keystore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSource reads a key file from a Cloud Storage object.
type GCSSource struct {
	client *storage.Client
	bucket string
	object string
}

func newGCSSource(ctx context.Context, bucket, object string) (Source, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("keystore: create GCS client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, object: object}, nil
}

func (g *GCSSource) Fetch(ctx context.Context) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("keystore: gcs get %s: %w", g, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, maxKeyFileSize))
}

func (g *GCSSource) String() string { return "gs://" + g.bucket + "/" + g.object }

// Close releases the GCS client.
func (g *GCSSource) Close() error { return g.client.Close() }
