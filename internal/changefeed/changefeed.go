// Package changefeed replays writes to a document table in row-version
// order. Every read is bounded by the backend's watermark, so a cursor
// taken from a batch never skips a write that commits later with a lower
// row version.
package changefeed

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/internal/store"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Change is the latest state of one document.
type Change struct {
	ID            string          `json:"id"`
	Operation     types.Operation `json:"operation"`
	RowVersion    int64           `json:"row_version"`
	Etag          uuid.UUID       `json:"etag"`
	Discriminator string          `json:"discriminator"`
	Document      []byte          `json:"document,omitempty"`
}

// Batch is the result of one read. Cursor is the since value for the next
// read.
type Batch struct {
	Changes []Change `json:"changes"`
	Cursor  int64    `json:"cursor"`
}

// Reader reads the change feed of one table.
type Reader struct {
	store *store.Store
	table *schema.Table
}

// NewReader returns a reader for the named table.
func NewReader(st *store.Store, table string) (*Reader, error) {
	t, ok := st.Registry().Table(table)
	if !ok {
		return nil, fmt.Errorf("%w: table %s", types.ErrDesignNotFound, table)
	}
	return &Reader{store: st, table: t}, nil
}

// Read returns up to limit changes with a row version above since. A limit
// of zero reads everything available.
func (r *Reader) Read(ctx context.Context, since int64, limit int) (Batch, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return Batch{}, err
	}
	defer tx.Close()

	rows, _, err := tx.Changes(ctx, r.table, since, limit)
	if err != nil {
		return Batch{}, err
	}
	if _, err := tx.Complete(); err != nil {
		return Batch{}, err
	}

	batch := Batch{Changes: make([]Change, 0, len(rows)), Cursor: since}
	for _, row := range rows {
		batch.Changes = append(batch.Changes, Change{
			ID:            row.ID,
			Operation:     row.LastOperation,
			RowVersion:    row.RowVersion,
			Etag:          row.Etag,
			Discriminator: row.Discriminator,
			Document:      row.Document,
		})
		batch.Cursor = max(batch.Cursor, row.RowVersion)
	}
	r.store.Logger().Debug("change feed read",
		zap.String("table", r.table.Name), zap.Int64("since", since),
		zap.Int("changes", len(batch.Changes)), zap.Int64("cursor", batch.Cursor))
	return batch, nil
}
