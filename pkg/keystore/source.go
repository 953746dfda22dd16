package keystore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Source fetches raw key file bytes.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// SourceOptions configures remote sources.
type SourceOptions struct {
	S3Region   string
	S3Endpoint string // optional, for MinIO/LocalStack
}

// OpenSource resolves a key location. Supported forms are a plain path,
// file://path, s3://bucket/key and gs://bucket/object.
func OpenSource(ctx context.Context, location string, opts SourceOptions) (Source, error) {
	if location == "" {
		return nil, fmt.Errorf("keystore: key location is empty")
	}
	scheme, rest, hasScheme := strings.Cut(location, "://")
	if !hasScheme {
		return FileSource{Path: location}, nil
	}

	switch scheme {
	case "file":
		return FileSource{Path: rest}, nil
	case "s3":
		bucket, key, err := splitBucket(location)
		if err != nil {
			return nil, err
		}
		return NewS3Source(ctx, S3SourceConfig{Bucket: bucket, Key: key, Region: opts.S3Region, Endpoint: opts.S3Endpoint})
	case "gs":
		bucket, object, err := splitBucket(location)
		if err != nil {
			return nil, err
		}
		return newGCSSource(ctx, bucket, object)
	default:
		return nil, fmt.Errorf("keystore: unsupported key location scheme %q", scheme)
	}
}

func splitBucket(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("keystore: parse %q: %w", location, err)
	}
	object := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("keystore: %q must name a bucket and an object", location)
	}
	return u.Host, object, nil
}

// FileSource reads a key file from local disk.
type FileSource struct {
	Path string
}

func (f FileSource) Fetch(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", f.Path, err)
	}
	return data, nil
}

func (f FileSource) String() string { return "file://" + f.Path }
