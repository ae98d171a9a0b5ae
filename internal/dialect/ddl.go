package dialect

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/docstore/internal/schema"
)

// createTable renders the column list shared by every dialect. columnDef
// returns the full definition of one column after its name.
func createTable(prefix string, t *schema.Table, columnDef func(schema.Column) string) string {
	defs := make([]string, 0, len(t.Columns()))
	for _, c := range t.Columns() {
		defs = append(defs, "\t"+c.Name+" "+columnDef(c))
	}
	return fmt.Sprintf("%s %s (\n%s\n)", prefix, t.Name, strings.Join(defs, ",\n"))
}

func nullability(c schema.Column) string {
	if c.Nullable {
		return "NULL"
	}
	return "NOT NULL"
}

// upsertAssignments renders "col = excluded.col" for every column but Id.
func upsertAssignments(columns []string) []string {
	sets := make([]string, 0, len(columns))
	for _, c := range columns {
		if strings.EqualFold(c, schema.ColumnID) {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	return sets
}
