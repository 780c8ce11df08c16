package docstore

import (
	"context"

	"github.com/regtrace/regtrace/pkg/config"
)

// New selects the document store backend from configuration: S3 when a
// bucket is configured, filesystem otherwise.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.S3Bucket != "" {
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "documents/",
		})
	}
	return NewFileStore(cfg.DataDir)
}
