package dialect

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Postgres draws RowVersion from a sequence. Sequence values are handed out
// when a statement runs, not when its transaction commits, so a change-feed
// read first fences out in-flight writers with a SHARE lock.
type Postgres struct{}

const (
	postgresSequence  = "docstore_rowversion"
	postgresCollation = "docstore_nocase"
)

func (Postgres) Name() string       { return types.BackendPostgres }
func (Postgres) DriverName() string { return "pgx" }
func (Postgres) MaxParameters() int { return 65535 }
func (Postgres) Positional() bool   { return true }

func (Postgres) SetupDDL() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS ` + postgresSequence,
		`CREATE COLLATION IF NOT EXISTS ` + postgresCollation + ` (provider = icu, locale = 'und-u-ks-level2', deterministic = false)`,
	}
}

func (d Postgres) TableDDL(t *schema.Table) []string {
	return []string{
		createTable("CREATE TABLE IF NOT EXISTS", t, d.columnDef),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_RowVersion ON %[1]s (RowVersion)`, t.Name),
	}
}

func (Postgres) columnDef(c schema.Column) string {
	switch {
	case c.Name == schema.ColumnID:
		return "TEXT COLLATE " + postgresCollation + " NOT NULL PRIMARY KEY"
	case c.Type == schema.TypeRowVersion:
		return "BIGINT NOT NULL DEFAULT nextval('" + postgresSequence + "')"
	}
	var typ string
	switch c.Type {
	case schema.TypeInteger:
		typ = "BIGINT"
	case schema.TypeSmallInt:
		typ = "SMALLINT"
	case schema.TypeBoolean:
		typ = "BOOLEAN"
	case schema.TypeReal:
		typ = "DOUBLE PRECISION"
	case schema.TypeBlob:
		typ = "BYTEA"
	case schema.TypeTimestamp:
		typ = "TIMESTAMPTZ"
	case schema.TypeUUID:
		typ = "UUID"
	default:
		typ = "TEXT"
	}
	return typ + " " + nullability(c)
}

func (Postgres) RowVersionSelect() string { return schema.ColumnRowVersion }

func (Postgres) RowVersionCompare(op, param string) string {
	return schema.ColumnRowVersion + " " + op + " @" + param
}

func (Postgres) RowVersionAssignment() string {
	return "nextval('" + postgresSequence + "')"
}

func (d Postgres) InsertSQL(table string, columns, values []string) string {
	sets := append(upsertAssignments(columns), schema.ColumnRowVersion+" = "+d.RowVersionAssignment())
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s = %d",
		table, strings.Join(columns, ", "), strings.Join(values, ", "),
		schema.ColumnID, strings.Join(sets, ", "),
		table, schema.ColumnLastOperation, types.OperationDeleted)
}

func (Postgres) BatchScript([]string, []int64) (string, bool) { return "", false }

// Watermark blocks until writers holding ROW EXCLUSIVE on the table commit
// and keeps new writers out for the rest of the read transaction.
func (Postgres) Watermark(ctx context.Context, tx Querier, table string) (int64, bool, error) {
	if _, err := tx.ExecContext(ctx, "LOCK TABLE "+table+" IN SHARE MODE"); err != nil {
		return 0, false, fmt.Errorf("locking %s for change feed: %w", table, err)
	}
	return 0, false, nil
}
