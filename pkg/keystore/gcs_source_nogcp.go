//go:build !gcp

package keystore

import (
	"context"
	"fmt"
)

func newGCSSource(ctx context.Context, bucket, object string) (Source, error) {
	return nil, fmt.Errorf("keystore: GCS key locations are not enabled in this build (use -tags gcp)")
}
