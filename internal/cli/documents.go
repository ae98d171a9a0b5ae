package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/docstore/pkg/types"
)

// document is the JSON shape of one stored row.
type document struct {
	ID            string          `json:"id"`
	Etag          uuid.UUID       `json:"etag"`
	Discriminator string          `json:"discriminator,omitempty"`
	Version       int             `json:"version,omitempty"`
	RowVersion    int64           `json:"row_version"`
	Operation     string          `json:"operation"`
	Document      json.RawMessage `json:"document,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func newDocument(r types.Row) document {
	return document{
		ID:            r.ID,
		Etag:          r.Etag,
		Discriminator: r.Discriminator,
		Version:       r.Version,
		RowVersion:    r.RowVersion,
		Operation:     r.LastOperation.String(),
		Document:      rawJSON(r.Document),
		Metadata:      rawJSON(r.Metadata),
	}
}

// rawJSON embeds stored bytes as-is when they are JSON and as a string
// otherwise.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Get a document by id",
		Long: `Get prints the live document stored under id. Ids are matched
case-insensitively.

Example:
  docstore get Orders orders/1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			table, id := args[0], args[1]
			st, err := a.openStore(ctx, table)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			t, _ := st.Registry().Table(table)
			tx, err := st.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Close()

			row, err := tx.Get(ctx, t, id)
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("document %q not found in table %q", id, table)
			}
			if err != nil {
				return fmt.Errorf("get document: %w", err)
			}
			if _, err := tx.Complete(); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), newDocument(row))
		},
	}
}

type queryFlags struct {
	where          string
	orderBy        string
	skip           int
	take           int
	includeDeleted bool
}

type queryResult struct {
	Documents    []document `json:"documents"`
	TotalResults int        `json:"total_results"`
	Retrieved    int        `json:"retrieved_results"`
	DurationMS   float64    `json:"duration_ms"`
}

func newQueryCmd(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Query a page of documents",
		Long: `Query prints the documents matching a SQL filter. The filter and ordering
are passed to the backend as written.

Example:
  docstore query Orders --where "Total > 100" --order-by Total --take 20`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if qf.skip < 0 || qf.take < 0 {
				return errors.New("--skip and --take must not be negative")
			}
			st, err := a.openStore(ctx, args[0])
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			t, _ := st.Registry().Table(args[0])
			tx, err := st.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Close()

			rows, stats, err := tx.Query(ctx, t, types.Query{
				Where:          qf.where,
				OrderBy:        qf.orderBy,
				Skip:           qf.skip,
				Take:           qf.take,
				IncludeDeleted: qf.includeDeleted,
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			if _, err := tx.Complete(); err != nil {
				return err
			}

			res := queryResult{
				Documents:    make([]document, 0, len(rows)),
				TotalResults: stats.TotalResults,
				Retrieved:    stats.RetrievedResults,
				DurationMS:   float64(stats.Duration.Microseconds()) / 1000,
			}
			for _, r := range rows {
				res.Documents = append(res.Documents, newDocument(r))
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&qf.where, "where", "", "SQL filter")
	cmd.Flags().StringVar(&qf.orderBy, "order-by", "", "SQL ordering (default: Id)")
	cmd.Flags().IntVar(&qf.skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVar(&qf.take, "take", 0, "rows to return (0: all)")
	cmd.Flags().BoolVar(&qf.includeDeleted, "include-deleted", false, "include tombstones")
	return cmd
}

type changesResult struct {
	Changes []document `json:"changes"`
	Cursor  int64      `json:"cursor"`
}

func newChangesCmd(a *app) *cobra.Command {
	var (
		since int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "changes <table>",
		Short: "Read the change feed of a table",
		Long: `Changes prints the documents written after a row version, tombstones
included, in row-version order. Pass the returned cursor as --since to
continue.

Example:
  docstore changes Orders --since 42 --limit 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			st, err := a.openStore(ctx, args[0])
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			r, err := st.Changes(args[0])
			if err != nil {
				return err
			}
			batch, err := r.Read(ctx, since, limit)
			if err != nil {
				return fmt.Errorf("read changes: %w", err)
			}
			res := changesResult{Changes: make([]document, 0, len(batch.Changes)), Cursor: batch.Cursor}
			for _, c := range batch.Changes {
				res.Changes = append(res.Changes, document{
					ID:            c.ID,
					Etag:          c.Etag,
					Discriminator: c.Discriminator,
					RowVersion:    c.RowVersion,
					Operation:     c.Operation.String(),
					Document:      rawJSON(c.Document),
				})
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "row version to read after")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum changes (0: all)")
	return cmd
}
