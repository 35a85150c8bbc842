//go:build !gcp

package archive

import (
	"context"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func newGCSStore(context.Context, GCSConfig) (Store, error) {
	return nil, conform.Newf(conform.ReasonConfigInvalid, "GCS archive is not enabled in this build (use -tags gcp)")
}
