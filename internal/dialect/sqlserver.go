package dialect

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb" // register the sqlserver database/sql driver

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// SQLServer uses the native rowversion type. Row versions are assigned per
// statement, so change-feed reads are bounded by MIN_ACTIVE_ROWVERSION().
type SQLServer struct{}

const (
	affectedVar   = "@docstore_affected"
	rowsVar       = "@docstore_rows"
	failedVar     = "@docstore_failed"
	failedRowsVar = "@docstore_failed_rows"
)

func (SQLServer) Name() string       { return types.BackendSQLServer }
func (SQLServer) DriverName() string { return "sqlserver" }

// MaxParameters stays below the 2100 parameter limit of sp_executesql.
func (SQLServer) MaxParameters() int { return 2000 }
func (SQLServer) Positional() bool   { return false }

func (SQLServer) SetupDDL() []string { return nil }

func (d SQLServer) TableDDL(t *schema.Table) []string {
	return []string{
		fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\n", t.Name) + createTable("CREATE TABLE", t, d.columnDef),
		fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%[1]s_RowVersion' AND object_id = OBJECT_ID(N'%[1]s'))\nCREATE INDEX %[1]s_RowVersion ON %[1]s (RowVersion)", t.Name),
	}
}

func (SQLServer) columnDef(c schema.Column) string {
	switch {
	case c.Name == schema.ColumnID:
		return "NVARCHAR(255) NOT NULL PRIMARY KEY"
	case c.Type == schema.TypeRowVersion:
		return "ROWVERSION NOT NULL"
	}
	var typ string
	switch c.Type {
	case schema.TypeInteger:
		typ = "BIGINT"
	case schema.TypeSmallInt:
		typ = "TINYINT"
	case schema.TypeBoolean:
		typ = "BIT"
	case schema.TypeReal:
		typ = "FLOAT"
	case schema.TypeBlob:
		typ = "VARBINARY(MAX)"
	case schema.TypeTimestamp:
		typ = "DATETIMEOFFSET"
	case schema.TypeUUID:
		// Stored as text: the driver's uniqueidentifier byte order differs
		// from RFC 4122.
		typ = "CHAR(36)"
	default:
		typ = "NVARCHAR(850)"
	}
	return typ + " " + nullability(c)
}

func (SQLServer) RowVersionSelect() string {
	return "CAST(" + schema.ColumnRowVersion + " AS BIGINT)"
}

func (SQLServer) RowVersionCompare(op, param string) string {
	return schema.ColumnRowVersion + " " + op + " CAST(@" + param + " AS BINARY(8))"
}

func (SQLServer) RowVersionAssignment() string { return "" }

// InsertSQL clears a tombstone first. The insert is skipped when a live row
// holds the id, so the batch sees zero affected rows rather than a key
// violation. Only the INSERT's row count reaches @@ROWCOUNT in the batch script.
func (SQLServer) InsertSQL(table string, columns, values []string) string {
	var idValue string
	for i, c := range columns {
		if strings.EqualFold(c, schema.ColumnID) {
			idValue = values[i]
		}
	}
	return fmt.Sprintf("DELETE FROM %[1]s WHERE %[2]s = %[3]s AND %[4]s = %[5]d;\n"+
		"INSERT INTO %[1]s (%[6]s) SELECT %[7]s WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE %[2]s = %[3]s)",
		table, schema.ColumnID, idValue, schema.ColumnLastOperation, types.OperationDeleted,
		strings.Join(columns, ", "), strings.Join(values, ", "))
}

// BatchScript records the first statement whose row count differs from its
// expectation, as a 1-based index, along with the rows it touched.
func (SQLServer) BatchScript(statements []string, expected []int64) (string, bool) {
	var b strings.Builder
	b.WriteString("SET NOCOUNT ON;\n")
	b.WriteString("DECLARE " + affectedVar + " INT = 0, " + rowsVar + " INT = 0, " + failedVar + " INT = 0, " + failedRowsVar + " INT = 0;\n")
	for i, s := range statements {
		b.WriteString(s)
		b.WriteString(";\n")
		if expected[i] < 0 {
			continue
		}
		b.WriteString("SET " + rowsVar + " = @@ROWCOUNT;\n")
		b.WriteString("SET " + affectedVar + " = " + affectedVar + " + " + rowsVar + ";\n")
		fmt.Fprintf(&b, "IF %s = 0 AND %s <> %d SELECT %s = %d, %s = %s;\n",
			failedVar, rowsVar, expected[i], failedVar, i+1, failedRowsVar, rowsVar)
	}
	b.WriteString("SELECT " + affectedVar + ", " + failedVar + ", " + failedRowsVar + ";")
	return b.String(), true
}

func (SQLServer) Watermark(ctx context.Context, tx Querier, _ string) (int64, bool, error) {
	var bound int64
	if err := tx.QueryRowContext(ctx, "SELECT CAST(MIN_ACTIVE_ROWVERSION() AS BIGINT)").Scan(&bound); err != nil {
		return 0, false, fmt.Errorf("reading min active rowversion: %w", err)
	}
	return bound, true, nil
}
