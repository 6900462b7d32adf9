//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSBlobs(context.Context, Config) (Blobs, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
