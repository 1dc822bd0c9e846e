//go:build !gcp

package archive

import (
	"context"
	"errors"
)

// newGCSStore without the gcp build tag refuses: the binary was built
// without GCS support.
func newGCSStore(_ context.Context, _ Config) (ObjectStore, error) {
	return nil, errors.New("archive: gcs backend requires building with -tags gcp")
}
