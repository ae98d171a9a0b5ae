package dialect

import (
	"context"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// SQLite maintains RowVersion with triggers over a single-row counter table.
// SQLite serializes writers for the whole database, so a row version is
// final as soon as it is visible.
type SQLite struct{}

const sqliteCounter = "docstore_rowversion"

func (SQLite) Name() string       { return types.BackendSQLite }
func (SQLite) DriverName() string { return "sqlite" }
func (SQLite) MaxParameters() int { return 32766 }
func (SQLite) Positional() bool   { return false }

func (SQLite) SetupDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + sqliteCounter + ` (value INTEGER NOT NULL)`,
		`INSERT INTO ` + sqliteCounter + ` (value) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM ` + sqliteCounter + `)`,
	}
}

func (d SQLite) TableDDL(t *schema.Table) []string {
	bump := fmt.Sprintf(`
BEGIN
	UPDATE %[1]s SET value = value + 1;
	UPDATE %[2]s SET RowVersion = (SELECT value FROM %[1]s) WHERE rowid = NEW.rowid;
END`, sqliteCounter, t.Name)
	return []string{
		createTable("CREATE TABLE IF NOT EXISTS", t, d.columnDef),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_RowVersion ON %[1]s (RowVersion)`, t.Name),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_rowversion_insert AFTER INSERT ON %[1]s`, t.Name) + bump,
		// Every write command sets Etag; the insert trigger's own update does not.
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_rowversion_update AFTER UPDATE OF Etag ON %[1]s`, t.Name) + bump,
	}
}

func (SQLite) columnDef(c schema.Column) string {
	switch {
	case c.Name == schema.ColumnID:
		return "TEXT NOT NULL COLLATE NOCASE PRIMARY KEY"
	case c.Type == schema.TypeRowVersion:
		return "INTEGER NOT NULL DEFAULT 0"
	}
	var typ string
	switch c.Type {
	case schema.TypeInteger, schema.TypeSmallInt, schema.TypeBoolean:
		typ = "INTEGER"
	case schema.TypeReal:
		typ = "REAL"
	case schema.TypeBlob:
		typ = "BLOB"
	case schema.TypeTimestamp:
		typ = "DATETIME"
	default:
		typ = "TEXT"
	}
	return typ + " " + nullability(c)
}

func (SQLite) RowVersionSelect() string { return schema.ColumnRowVersion }

func (SQLite) RowVersionCompare(op, param string) string {
	return schema.ColumnRowVersion + " " + op + " @" + param
}

func (SQLite) RowVersionAssignment() string { return "" }

func (SQLite) InsertSQL(table string, columns, values []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s = %d",
		table, strings.Join(columns, ", "), strings.Join(values, ", "),
		schema.ColumnID, strings.Join(upsertAssignments(columns), ", "),
		table, schema.ColumnLastOperation, types.OperationDeleted)
}

func (SQLite) BatchScript([]string, []int64) (string, bool) { return "", false }

func (SQLite) Watermark(context.Context, Querier, string) (int64, bool, error) {
	return 0, false, nil
}
