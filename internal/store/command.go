package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docstore/internal/dialect"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Command kinds, used as the metrics label.
const (
	KindInsert = "insert"
	KindUpdate = "update"
	KindDelete = "delete"
	KindRaw    = "raw"
)

// Command is one write executed inside a batch.
type Command interface {
	Kind() string
	Prepare(b *Builder) (Statement, error)
}

// Statement is a prepared command. Parameter names are unique within the
// batch it was prepared for.
type Statement struct {
	SQL    string
	Params map[string]any
	// ExpectedRows is the affected-row count the batch must observe.
	// Negative disables the check.
	ExpectedRows int64
	Kind         string
	Table        string
	ID           string
}

// Builder prepares one command. Every parameter it hands out carries the
// command's batch-unique suffix.
type Builder struct {
	Dialect  dialect.Dialect
	CommitID uuid.UUID
	Now      time.Time

	suffix int
	params map[string]any
}

func newBuilder(d dialect.Dialect, commitID uuid.UUID, now time.Time, suffix int) *Builder {
	return &Builder{Dialect: d, CommitID: commitID, Now: now, suffix: suffix, params: make(map[string]any)}
}

// Name returns the suffixed parameter name for name.
func (b *Builder) Name(name string) string {
	return fmt.Sprintf("%s_%d", name, b.suffix)
}

// Param binds v and returns its placeholder.
func (b *Builder) Param(name string, v any) string {
	n := b.Name(name)
	b.params[n] = v
	return "@" + n
}

// Params returns everything bound so far.
func (b *Builder) Params() map[string]any { return b.params }

// Fields are the column values an insert or update writes.
type Fields struct {
	Document      []byte
	Metadata      []byte
	Version       int
	Discriminator string
	// Projections is keyed by projected column name.
	Projections map[string]any
}

// assignments returns the data columns in table order with their placeholders.
// Every projection of the table is written; those the document's design does
// not compute are cleared, since a row may change type within a shared table.
func (f Fields) assignments(b *Builder, t *schema.Table) (columns, values []string) {
	add := func(col string, v any) {
		columns = append(columns, col)
		values = append(values, b.Param(col, v))
	}
	add(schema.ColumnDocument, f.Document)
	add(schema.ColumnMetadata, f.Metadata)
	add(schema.ColumnVersion, f.Version)
	add(schema.ColumnDiscriminator, f.Discriminator)
	for _, c := range t.Projections() {
		v, _ := lookup(f.Projections, c.Name)
		add(c.Name, v)
	}
	return columns, values
}

func lookup(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func checkID(id string) error {
	if id == "" {
		return types.ErrInvalidID
	}
	return nil
}

// InsertCommand writes a new row, or revives a tombstone with the same id.
type InsertCommand struct {
	Table *schema.Table
	ID    string
	Fields
}

func (c *InsertCommand) Kind() string { return KindInsert }

func (c *InsertCommand) Prepare(b *Builder) (Statement, error) {
	if err := checkID(c.ID); err != nil {
		return Statement{}, err
	}
	columns := []string{schema.ColumnID, schema.ColumnEtag, schema.ColumnCreatedAt, schema.ColumnModifiedAt, schema.ColumnLastOperation}
	values := []string{
		b.Param(schema.ColumnID, c.ID),
		b.Param(schema.ColumnEtag, b.CommitID.String()),
		b.Param(schema.ColumnCreatedAt, b.Now),
		b.Param(schema.ColumnModifiedAt, b.Now),
		fmt.Sprint(int(types.OperationInserted)),
	}
	cols, vals := c.Fields.assignments(b, c.Table)
	columns = append(columns, cols...)
	values = append(values, vals...)
	return Statement{
		SQL:          b.Dialect.InsertSQL(c.Table.Name, columns, values),
		Params:       b.Params(),
		ExpectedRows: 1,
		Kind:         KindInsert,
		Table:        c.Table.Name,
		ID:           c.ID,
	}, nil
}

// UpdateCommand overwrites a live row. Unless LastWriteWins is set the row
// must still carry Etag.
type UpdateCommand struct {
	Table         *schema.Table
	ID            string
	Etag          uuid.UUID
	LastWriteWins bool
	Fields
}

func (c *UpdateCommand) Kind() string { return KindUpdate }

func (c *UpdateCommand) Prepare(b *Builder) (Statement, error) {
	if err := checkID(c.ID); err != nil {
		return Statement{}, err
	}
	sets := []string{
		schema.ColumnEtag + " = " + b.Param(schema.ColumnEtag, b.CommitID.String()),
		schema.ColumnModifiedAt + " = " + b.Param(schema.ColumnModifiedAt, b.Now),
		fmt.Sprintf("%s = %d", schema.ColumnLastOperation, types.OperationUpdated),
	}
	cols, vals := c.Fields.assignments(b, c.Table)
	for i := range cols {
		sets = append(sets, cols[i]+" = "+vals[i])
	}
	return writeStatement(b, KindUpdate, c.Table, c.ID, c.Etag, c.LastWriteWins, sets), nil
}

// DeleteCommand turns a live row into a tombstone.
type DeleteCommand struct {
	Table         *schema.Table
	ID            string
	Etag          uuid.UUID
	LastWriteWins bool
}

func (c *DeleteCommand) Kind() string { return KindDelete }

func (c *DeleteCommand) Prepare(b *Builder) (Statement, error) {
	if err := checkID(c.ID); err != nil {
		return Statement{}, err
	}
	sets := []string{
		schema.ColumnEtag + " = " + b.Param(schema.ColumnEtag, b.CommitID.String()),
		schema.ColumnModifiedAt + " = " + b.Param(schema.ColumnModifiedAt, b.Now),
		fmt.Sprintf("%s = %d", schema.ColumnLastOperation, types.OperationDeleted),
	}
	return writeStatement(b, KindDelete, c.Table, c.ID, c.Etag, c.LastWriteWins, sets), nil
}

// writeStatement renders the UPDATE shared by update and soft delete.
func writeStatement(b *Builder, kind string, t *schema.Table, id string, etag uuid.UUID, lastWriteWins bool, sets []string) Statement {
	if rv := b.Dialect.RowVersionAssignment(); rv != "" {
		sets = append(sets, schema.ColumnRowVersion+" = "+rv)
	}
	where := []string{
		schema.ColumnID + " = " + b.Param(schema.ColumnID, id),
		fmt.Sprintf("%s <> %d", schema.ColumnLastOperation, types.OperationDeleted),
	}
	if !lastWriteWins {
		where = append(where, schema.ColumnEtag+" = "+b.Param("ExpectedEtag", etag.String()))
	}
	return Statement{
		SQL:          fmt.Sprintf("UPDATE %s SET %s WHERE %s", t.Name, strings.Join(sets, ", "), strings.Join(where, " AND ")),
		Params:       b.Params(),
		ExpectedRows: 1,
		Kind:         kind,
		Table:        t.Name,
		ID:           id,
	}
}

// RawCommand runs caller-written SQL in the batch. Its @name references are
// renamed so they cannot collide with other commands.
type RawCommand struct {
	Table  string
	ID     string
	SQL    string
	Params map[string]any
	// ExpectedRows below zero disables the affected-row check.
	ExpectedRows int64
}

func (c *RawCommand) Kind() string { return KindRaw }

func (c *RawCommand) Prepare(b *Builder) (Statement, error) {
	if strings.TrimSpace(c.SQL) == "" {
		return Statement{}, fmt.Errorf("raw command on %s: empty sql", c.Table)
	}
	for name, v := range c.Params {
		b.Param(name, v)
	}
	query := dialect.RenameParameters(c.SQL, func(name string) string {
		if _, ok := c.Params[name]; !ok {
			return name
		}
		return b.Name(name)
	})
	return Statement{
		SQL:          query,
		Params:       b.Params(),
		ExpectedRows: c.ExpectedRows,
		Kind:         KindRaw,
		Table:        c.Table,
		ID:           c.ID,
	}, nil
}
