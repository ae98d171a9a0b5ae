// Package backup keeps superseded document versions. A session hands the
// previous serialized document to a Writer before overwriting it with a
// document of a newer schema version.
package backup

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Writer stores one superseded document under name.
type Writer interface {
	Write(ctx context.Context, name string, document []byte) error
}

// Name is the backup name for a document at a schema version. The id and
// discriminator are path-escaped so ids such as "orders/1" stay a single
// file or object name.
func Name(discriminator, id string, version int) string {
	return fmt.Sprintf("%s_%s_%d.bak", url.PathEscape(discriminator), url.PathEscape(id), version)
}

// FromConfig returns the writer selected by cfg, or nil when no backup
// target is configured.
func FromConfig(ctx context.Context, cfg types.Config) (Writer, error) {
	switch {
	case cfg.BackupDir != "":
		w, err := NewFileWriter(cfg.BackupDir)
		if err != nil {
			return nil, err
		}
		return w, nil
	case cfg.BackupBucket != "":
		w, err := NewS3Writer(ctx, S3Config{
			Bucket:   cfg.BackupBucket,
			Region:   cfg.BackupRegion,
			Endpoint: cfg.BackupEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, nil
	}
}
