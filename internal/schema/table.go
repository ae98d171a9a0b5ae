// Package schema describes document tables and the Go types stored in them.
// A Table is a relational table with fixed system columns plus projected
// columns; a Design binds one Go type to a table with its discriminator, key
// convention and projections; a Registry resolves designs by type and by
// stored discriminator.
package schema

import (
	"fmt"
	"strings"
)

// System column names. They are part of the on-disk contract.
const (
	ColumnID            = "Id"
	ColumnEtag          = "Etag"
	ColumnCreatedAt     = "CreatedAt"
	ColumnModifiedAt    = "ModifiedAt"
	ColumnRowVersion    = "RowVersion"
	ColumnDocument      = "Document"
	ColumnMetadata      = "Metadata"
	ColumnVersion       = "Version"
	ColumnDiscriminator = "Discriminator"
	ColumnLastOperation = "LastOperation"
)

// ColumnType is the logical type of a column; dialects map it to SQL types.
type ColumnType int

const (
	TypeText ColumnType = iota + 1
	TypeInteger
	TypeReal
	TypeBoolean
	TypeBlob
	TypeTimestamp
	TypeUUID
	TypeRowVersion
	TypeSmallInt
)

// Column is one table column.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	System   bool
}

// Table is a document table. Column lookups are case-insensitive.
type Table struct {
	Name    string
	columns []Column
	index   map[string]int
}

var systemColumns = []Column{
	{Name: ColumnID, Type: TypeText, System: true},
	{Name: ColumnEtag, Type: TypeUUID, System: true},
	{Name: ColumnCreatedAt, Type: TypeTimestamp, System: true},
	{Name: ColumnModifiedAt, Type: TypeTimestamp, System: true},
	{Name: ColumnRowVersion, Type: TypeRowVersion, System: true},
	{Name: ColumnDocument, Type: TypeBlob, System: true},
	{Name: ColumnMetadata, Type: TypeBlob, Nullable: true, System: true},
	{Name: ColumnVersion, Type: TypeInteger, System: true},
	{Name: ColumnDiscriminator, Type: TypeText, System: true},
	{Name: ColumnLastOperation, Type: TypeSmallInt, System: true},
}

// NewTable returns a table holding only the system columns.
func NewTable(name string) *Table {
	t := &Table{Name: name, index: make(map[string]int)}
	for _, c := range systemColumns {
		t.columns = append(t.columns, c)
		t.index[strings.ToLower(c.Name)] = len(t.columns) - 1
	}
	return t
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// Columns returns every column, system columns first.
func (t *Table) Columns() []Column {
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

// Projections returns the user-defined columns in declaration order.
func (t *Table) Projections() []Column {
	var out []Column
	for _, c := range t.columns {
		if !c.System {
			out = append(out, c)
		}
	}
	return out
}

// checkProjection reports whether c can be declared. Declaring the same name
// twice is allowed when the types agree, so several designs can share a column.
func (t *Table) checkProjection(c Column) error {
	existing, ok := t.Column(c.Name)
	if !ok {
		return nil
	}
	if existing.System {
		return fmt.Errorf("projection %s on %s shadows a system column", c.Name, t.Name)
	}
	if existing.Type != c.Type {
		return fmt.Errorf("projection %s on %s redeclared with a different type", c.Name, t.Name)
	}
	return nil
}

// addProjection declares a projected column already accepted by checkProjection.
func (t *Table) addProjection(c Column) {
	if _, ok := t.Column(c.Name); ok {
		return
	}
	c.Nullable = true
	t.columns = append(t.columns, c)
	t.index[strings.ToLower(c.Name)] = len(t.columns) - 1
}
