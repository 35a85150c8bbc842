//go:build gcp

package archive

import (
	"context"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

func newGCSStore(ctx context.Context, cfg GCSConfig) (Store, error) {
	s, err := NewGCSStore(ctx, cfg)
	if err != nil {
		return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "archive")
	}
	return s, nil
}
