// Package dialect isolates what differs between relational backends: column
// types and DDL, how the monotonic row version is maintained, how named
// parameters are bound, whether several statements can share one round trip,
// and how a change-feed reader bounds its cursor.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// ErrMissingParameter is returned when a statement references a parameter
// absent from the parameter map.
var ErrMissingParameter = errors.New("missing query parameter")

// Querier is the subset of *sql.Tx a dialect needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect describes one backend.
type Dialect interface {
	// Name is the backend name used in configuration.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// MaxParameters is the default bound-parameter limit per round trip.
	MaxParameters() int

	// Positional reports whether parameters bind by position ($1) rather
	// than by name (@name).
	Positional() bool

	// SetupDDL creates shared row-version infrastructure.
	SetupDDL() []string
	// TableDDL creates a document table, its indexes and row-version hooks.
	TableDDL(t *schema.Table) []string

	// RowVersionSelect projects the RowVersion column as a 64-bit integer.
	RowVersionSelect() string
	// RowVersionCompare renders "RowVersion <op> @param".
	RowVersionCompare(op, param string) string
	// RowVersionAssignment is the SET expression that advances RowVersion on
	// update, or "" when the backend advances it itself.
	RowVersionAssignment() string

	// InsertSQL renders an insert that also revives a tombstoned row with the
	// same id, so ids can be reused after a delete.
	InsertSQL(table string, columns, values []string) string

	// BatchScript folds statements into one round trip returning a single
	// row: the summed affected-row count of the counted statements, the
	// 1-based index of the first statement that missed its expected count
	// (0 when none did) and that statement's count. A negative expectation
	// leaves a statement uncounted. ok is false when the backend cannot do this.
	BatchScript(statements []string, expected []int64) (script string, ok bool)

	// Watermark prepares tx for a change-feed read and returns an exclusive
	// upper bound on row versions that are safe to hand out. bounded is false
	// when every visible row version is already final.
	Watermark(ctx context.Context, tx Querier, table string) (bound int64, bounded bool, err error)
}

// New returns the dialect for a configured backend name.
func New(backend string) (Dialect, error) {
	switch backend {
	case types.BackendSQLite:
		return SQLite{}, nil
	case types.BackendPostgres:
		return Postgres{}, nil
	case types.BackendSQLServer:
		return SQLServer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrBackendUnknown, backend)
	}
}
