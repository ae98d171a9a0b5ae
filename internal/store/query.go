package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docstore/internal/dialect"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Hidden columns appended to every select so rows can be materialized and
// replayed whatever the caller selected.
const (
	hiddenDiscriminator = "_Discriminator"
	hiddenLastOperation = "_LastOperation"
	hiddenRowVersion    = "_RowVersion"
	rowNumber           = "RowNumber"
)

type queryPlan struct {
	// count is empty for unwindowed queries.
	count string
	rows  string
}

func buildQuery(d dialect.Dialect, table *schema.Table, q types.Query) queryPlan {
	columns := selectList(d, table, q) + ", " + hiddenColumns(d)
	where := whereClause(q)

	if !q.Windowed() {
		s := fmt.Sprintf("SELECT %s FROM %s%s", columns, table.Name, where)
		if q.OrderBy != "" {
			s += " ORDER BY " + q.OrderBy
		}
		return queryPlan{rows: s}
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = schema.ColumnID
	}
	window := fmt.Sprintf("%s > %d", rowNumber, q.Skip)
	if q.Take > 0 {
		window += fmt.Sprintf(" AND %s <= %d", rowNumber, q.Skip+q.Take)
	}
	return queryPlan{
		count: fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table.Name, where),
		rows: fmt.Sprintf("SELECT * FROM (SELECT %s, ROW_NUMBER() OVER (ORDER BY %s) AS %s FROM %s%s) AS x WHERE %s ORDER BY %s",
			columns, orderBy, rowNumber, table.Name, where, window, rowNumber),
	}
}

func hiddenColumns(d dialect.Dialect) string {
	return fmt.Sprintf("%s AS %s, %s AS %s, %s AS %s",
		schema.ColumnDiscriminator, hiddenDiscriminator,
		schema.ColumnLastOperation, hiddenLastOperation,
		d.RowVersionSelect(), hiddenRowVersion)
}

func whereClause(q types.Query) string {
	var parts []string
	if strings.TrimSpace(q.Where) != "" {
		parts = append(parts, "("+q.Where+")")
	}
	if !q.IncludeDeleted {
		parts = append(parts, fmt.Sprintf("%s <> %d", schema.ColumnLastOperation, types.OperationDeleted))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// selectList returns every table column for an empty select, otherwise the
// explicit list with any required column it lacks appended.
func selectList(d dialect.Dialect, table *schema.Table, q types.Query) string {
	if strings.TrimSpace(q.Select) == "" {
		cols := make([]string, 0, len(table.Columns()))
		for _, c := range table.Columns() {
			if c.Type == schema.TypeRowVersion && d.RowVersionSelect() != c.Name {
				cols = append(cols, d.RowVersionSelect()+" AS "+c.Name)
				continue
			}
			cols = append(cols, c.Name)
		}
		return strings.Join(cols, ", ")
	}

	items := splitSelect(q.Select)
	have := make(map[string]bool, len(items))
	for _, item := range items {
		if item == "*" {
			return q.Select
		}
		have[strings.ToLower(outputName(item))] = true
	}
	out := q.Select
	for _, r := range q.Require {
		if !have[strings.ToLower(r)] {
			out += ", " + r
			have[strings.ToLower(r)] = true
		}
	}
	return out
}

// splitSelect splits a select list on commas outside parentheses and quotes.
func splitSelect(s string) []string {
	var items []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			items = append(items, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(items, strings.TrimSpace(s[start:]))
}

// outputName is the alias of a select item, or its last identifier.
func outputName(item string) string {
	fields := strings.Fields(item)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) >= 2 && strings.EqualFold(fields[len(fields)-2], "AS") {
		return strings.Trim(fields[len(fields)-1], `"[]`)
	}
	name := fields[len(fields)-1]
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, `"[]`)
}

func scanRows(rs *sql.Rows) ([]types.Row, error) {
	names, err := rs.Columns()
	if err != nil {
		return nil, &types.TransportError{Op: "reading columns", Err: err}
	}
	var rows []types.Row
	for rs.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, &types.TransportError{Op: "scanning row", Err: err}
		}
		row, err := decodeRow(names, values)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, &types.TransportError{Op: "reading rows", Err: err}
	}
	return rows, nil
}

// decodeRow fills the system fields. Hidden columns win over selected ones.
func decodeRow(names []string, values []any) (types.Row, error) {
	row := types.Row{Values: make(map[string]any, len(names))}
	var err error
	for i, name := range names {
		v := values[i]
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "_") && lower != strings.ToLower(rowNumber) {
			row.Values[name] = v
		}
		switch lower {
		case "id":
			row.ID = toString(v)
		case "etag":
			row.Etag, err = toUUID(v)
		case "document":
			row.Document = toBytes(v)
		case "metadata":
			row.Metadata = toBytes(v)
		case "version":
			var n int64
			n, err = toInt64(v)
			row.Version = int(n)
		case "discriminator", "_discriminator":
			row.Discriminator = toString(v)
		case "lastoperation", "_lastoperation":
			var n int64
			n, err = toInt64(v)
			row.LastOperation = types.Operation(n)
		case "rowversion", "_rowversion":
			row.RowVersion, err = toInt64(v)
		}
		if err != nil {
			return types.Row{}, fmt.Errorf("decoding column %s: %w", name, err)
		}
	}
	return row, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return nil
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return n, nil
		}
		if len(x) == 8 {
			return int64(binary.BigEndian.Uint64(x)), nil
		}
		return 0, fmt.Errorf("unexpected %d-byte integer", len(x))
	default:
		return 0, fmt.Errorf("unexpected integer type %T", v)
	}
}

func toUUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case nil:
		return uuid.Nil, nil
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case string:
		return uuid.Parse(x)
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	default:
		return uuid.Nil, fmt.Errorf("unexpected etag type %T", v)
	}
}
