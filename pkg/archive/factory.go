package archive

import (
	"context"
	"path/filepath"

	"github.com/Mindburn-Labs/custody/pkg/conform"
	"github.com/Mindburn-Labs/custody/pkg/util/resiliency"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Config selects and configures a backend.
type Config struct {
	Type StoreType `yaml:"type" json:"type"`
	// Dir is the filesystem store root, relative to the custody root.
	Dir      string    `yaml:"dir" json:"dir"`
	Compress bool      `yaml:"compress" json:"compress"`
	S3       S3Config  `yaml:"s3" json:"s3"`
	GCS      GCSConfig `yaml:"gcs" json:"gcs"`
}

// NewStore builds the backend cfg names. root anchors a relative fs Dir.
func NewStore(ctx context.Context, root string, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(".custody", "archive")
		}
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		s, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, conform.Wrap(conform.ReasonConfigInvalid, err, "archive")
		}
		return WithRetry("s3:"+cfg.S3.Bucket, s, resiliency.DefaultPolicy()), nil
	case StoreTypeGCS:
		s, err := newGCSStore(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return WithRetry("gcs:"+cfg.GCS.Bucket, s, resiliency.DefaultPolicy()), nil
	default:
		return nil, conform.Newf(conform.ReasonConfigInvalid, "unsupported archive type %q", cfg.Type)
	}
}
