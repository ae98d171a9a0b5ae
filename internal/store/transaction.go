package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/docstore/internal/dialect"
	"github.com/mesh-intelligence/docstore/internal/metrics"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Transaction owns one backend transaction. It must be completed or closed;
// closing without completing rolls back every write.
type Transaction struct {
	store    *Store
	tx       *sql.Tx
	commitID uuid.UUID
	log      *zap.Logger

	// suffix numbers prepared commands so parameter names never collide.
	suffix int
	done   bool
}

// CommitID is the etag stamped on every row this transaction writes.
func (t *Transaction) CommitID() uuid.UUID { return t.commitID }

// Dialect returns the store's dialect.
func (t *Transaction) Dialect() dialect.Dialect { return t.store.dialect }

// Get returns the live row with id.
func (t *Transaction) Get(ctx context.Context, table *schema.Table, id string) (types.Row, error) {
	if id == "" {
		return types.Row{}, types.ErrInvalidID
	}
	rows, _, err := t.query(ctx, table, types.Query{
		Where:      schema.ColumnID + " = @Id",
		Parameters: map[string]any{"Id": id},
	}, metrics.ModeGet)
	if err != nil {
		return types.Row{}, err
	}
	if len(rows) == 0 {
		return types.Row{}, fmt.Errorf("%w: %s/%s", types.ErrNotFound, table.Name, id)
	}
	return rows[0], nil
}

// Exists looks up a live row and returns its etag.
func (t *Transaction) Exists(ctx context.Context, table *schema.Table, id string) (uuid.UUID, bool, error) {
	if err := t.check(); err != nil {
		return uuid.Nil, false, err
	}
	if id == "" {
		return uuid.Nil, false, types.ErrInvalidID
	}
	start := time.Now()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = @Id AND %s <> %d",
		schema.ColumnEtag, table.Name, schema.ColumnID, schema.ColumnLastOperation, types.OperationDeleted)
	bound, args, err := dialect.Bind(t.store.dialect, query, map[string]any{"Id": id})
	if err != nil {
		return uuid.Nil, false, err
	}
	var raw any
	err = t.tx.QueryRowContext(ctx, bound, args...).Scan(&raw)
	t.store.metrics.Observe(metrics.ModeExistence, time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, &types.TransportError{Op: "probing " + table.Name, Err: err}
	}
	etag, err := toUUID(raw)
	if err != nil {
		return uuid.Nil, false, err
	}
	return etag, true, nil
}

// Query runs q against table. Windowed queries also count every match.
func (t *Transaction) Query(ctx context.Context, table *schema.Table, q types.Query) ([]types.Row, types.QueryStats, error) {
	mode := metrics.ModeQuery
	if q.Windowed() {
		mode = metrics.ModeWindowed
	}
	return t.query(ctx, table, q, mode)
}

// Changes runs a change-feed query: live rows and tombstones whose row
// version is above since, in row-version order. The dialect watermark keeps
// the result clear of row versions that may still be overtaken.
func (t *Transaction) Changes(ctx context.Context, table *schema.Table, since int64, limit int) ([]types.Row, types.QueryStats, error) {
	if err := t.check(); err != nil {
		return nil, types.QueryStats{}, err
	}
	d := t.store.dialect
	bound, bounded, err := d.Watermark(ctx, t.tx, table.Name)
	if err != nil {
		return nil, types.QueryStats{}, &types.TransportError{Op: "reading change-feed watermark", Err: err}
	}
	q := types.Query{
		Where:          d.RowVersionCompare(">", "Since"),
		OrderBy:        schema.ColumnRowVersion + " ASC",
		Take:           limit,
		IncludeDeleted: true,
		Parameters:     map[string]any{"Since": since},
	}
	if bounded {
		q.Where += " AND " + d.RowVersionCompare("<", "Bound")
		q.Parameters["Bound"] = bound
	}
	return t.query(ctx, table, q, metrics.ModeChanges)
}

func (t *Transaction) query(ctx context.Context, table *schema.Table, q types.Query, mode string) ([]types.Row, types.QueryStats, error) {
	if err := t.check(); err != nil {
		return nil, types.QueryStats{}, err
	}
	start := time.Now()
	plan := buildQuery(t.store.dialect, table, q)

	total := -1
	if plan.count != "" {
		bound, args, err := dialect.Bind(t.store.dialect, plan.count, q.Parameters)
		if err != nil {
			return nil, types.QueryStats{}, err
		}
		if err := t.tx.QueryRowContext(ctx, bound, args...).Scan(&total); err != nil {
			return nil, types.QueryStats{}, &types.TransportError{Op: "counting " + table.Name, Err: err}
		}
	}

	bound, args, err := dialect.Bind(t.store.dialect, plan.rows, q.Parameters)
	if err != nil {
		return nil, types.QueryStats{}, err
	}
	t.log.Debug("query", zap.String("table", table.Name), zap.String("sql", bound))
	rs, err := t.tx.QueryContext(ctx, bound, args...)
	if err != nil {
		return nil, types.QueryStats{}, &types.TransportError{Op: "querying " + table.Name, Err: err}
	}
	defer rs.Close()
	rows, err := scanRows(rs)
	if err != nil {
		return nil, types.QueryStats{}, err
	}

	stats := types.QueryStats{Duration: time.Since(start), TotalResults: len(rows), RetrievedResults: len(rows)}
	if total >= 0 {
		stats.TotalResults = total
		stats.RetrievedResults = retrieved(total, q.Skip, q.Take)
	}
	t.store.metrics.Observe(mode, stats.Duration.Seconds())
	return rows, stats, nil
}

func retrieved(total, skip, take int) int {
	n := max(0, total-skip)
	if take > 0 {
		n = min(n, take)
	}
	return n
}

// Execute runs commands as one batch and returns the rows they affected.
// Batches are split into round trips that respect the parameter limit; a
// command affecting an unexpected number of rows fails the whole batch with
// a *types.ConcurrencyError and the transaction must be closed.
func (t *Transaction) Execute(ctx context.Context, commands ...Command) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	stmts := make([]Statement, 0, len(commands))
	for _, c := range commands {
		t.suffix++
		s, err := c.Prepare(newBuilder(t.store.dialect, t.commitID, now, t.suffix))
		if err != nil {
			return 0, fmt.Errorf("preparing %s command: %w", c.Kind(), err)
		}
		stmts = append(stmts, s)
	}

	var affected int64
	for _, chunk := range chunkStatements(stmts, t.store.maxParams) {
		n, err := t.executeChunk(ctx, chunk)
		affected += n
		if err != nil {
			var conflict *types.ConcurrencyError
			if errors.As(err, &conflict) {
				t.store.metrics.Conflict()
				t.log.Warn("concurrency conflict", zap.String("table", conflict.Table), zap.String("id", conflict.ID),
					zap.Int64("expected", conflict.Expected), zap.Int64("actual", conflict.Actual))
			}
			return affected, err
		}
	}
	for _, s := range stmts {
		t.store.metrics.Command(s.Kind)
	}
	return affected, nil
}

// chunkStatements splits stmts so each chunk binds at most limit parameters.
// A statement over the limit on its own gets a chunk of its own.
func chunkStatements(stmts []Statement, limit int) [][]Statement {
	var chunks [][]Statement
	var current []Statement
	count := 0
	for _, s := range stmts {
		n := len(s.Params)
		if len(current) > 0 && count+n > limit {
			chunks = append(chunks, current)
			current, count = nil, 0
		}
		current = append(current, s)
		count += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (t *Transaction) executeChunk(ctx context.Context, chunk []Statement) (int64, error) {
	d := t.store.dialect
	sqls := make([]string, len(chunk))
	expectations := make([]int64, len(chunk))
	params := make(map[string]any)
	for i, s := range chunk {
		sqls[i] = s.SQL
		expectations[i] = s.ExpectedRows
		for k, v := range s.Params {
			params[k] = v
		}
	}

	if script, ok := d.BatchScript(sqls, expectations); ok {
		bound, args, err := dialect.Bind(d, script, params)
		if err != nil {
			return 0, err
		}
		t.log.Debug("execute batch", zap.Int("statements", len(chunk)), zap.Int("parameters", len(params)))
		var actual, failed, failedRows int64
		if err := t.tx.QueryRowContext(ctx, bound, args...).Scan(&actual, &failed, &failedRows); err != nil {
			return 0, &types.TransportError{Op: "executing batch", Err: err}
		}
		if failed > 0 {
			if failed > int64(len(chunk)) {
				return actual, fmt.Errorf("batch reported statement %d of %d", failed, len(chunk))
			}
			s := chunk[failed-1]
			return actual, &types.ConcurrencyError{Table: s.Table, ID: s.ID, Expected: s.ExpectedRows, Actual: failedRows}
		}
		return actual, nil
	}

	var affected int64
	for _, s := range chunk {
		bound, args, err := dialect.Bind(d, s.SQL, s.Params)
		if err != nil {
			return affected, err
		}
		t.log.Debug("execute", zap.String("kind", s.Kind), zap.String("table", s.Table), zap.String("id", s.ID))
		res, err := t.tx.ExecContext(ctx, bound, args...)
		if err != nil {
			return affected, &types.TransportError{Op: fmt.Sprintf("executing %s on %s", s.Kind, s.Table), Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return affected, &types.TransportError{Op: "reading affected rows", Err: err}
		}
		affected += n
		if s.ExpectedRows >= 0 && n != s.ExpectedRows {
			return affected, &types.ConcurrencyError{Table: s.Table, ID: s.ID, Expected: s.ExpectedRows, Actual: n}
		}
	}
	return affected, nil
}

// Complete commits and returns the commit id.
func (t *Transaction) Complete() (uuid.UUID, error) {
	if err := t.check(); err != nil {
		return uuid.Nil, err
	}
	t.done = true
	t.store.metrics.TransactionClosed()
	if err := t.tx.Commit(); err != nil {
		t.store.rolledBack.Add(1)
		return uuid.Nil, &types.TransportError{Op: "committing", Err: err}
	}
	t.store.completed.Add(1)
	t.log.Debug("transaction committed")
	return t.commitID, nil
}

// Close rolls back unless the transaction completed. It is idempotent.
func (t *Transaction) Close() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.metrics.TransactionClosed()
	t.store.rolledBack.Add(1)
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &types.TransportError{Op: "rolling back", Err: err}
	}
	return nil
}

func (t *Transaction) check() error {
	if t.done {
		return types.ErrTransactionDone
	}
	return nil
}
