package types

import (
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is the last write applied to a row. Deleted rows are tombstones:
// retained for the change feed and hidden from normal reads.
type Operation int

// Stored LastOperation values. They are part of the on-disk contract.
const (
	OperationInserted Operation = 1
	OperationUpdated  Operation = 2
	OperationDeleted  Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OperationInserted:
		return "Inserted"
	case OperationUpdated:
		return "Updated"
	case OperationDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// EntityState is the lifecycle state of a managed entity within a session.
type EntityState int

const (
	// StateTransient entities were stored but never persisted.
	StateTransient EntityState = iota
	// StateLoaded entities are persisted and tracked.
	StateLoaded
	// StateDeleted entities are marked for removal on the next save.
	StateDeleted
)

func (s EntityState) String() string {
	switch s {
	case StateTransient:
		return "Transient"
	case StateLoaded:
		return "Loaded"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Row is one document row read from a table. System columns are decoded into
// fields when selected; every selected column is also present in Values under
// the name the backend reported.
type Row struct {
	ID            string
	Etag          uuid.UUID
	Document      []byte
	Metadata      []byte
	Version       int
	Discriminator string
	RowVersion    int64
	LastOperation Operation
	Values        map[string]any
}

// Query describes a table query. Where and OrderBy are SQL fragments produced
// by a filter compiler; user values travel in Parameters and are referenced
// as @name.
type Query struct {
	// Select is an explicit column list. Empty selects every column.
	Select string
	// Require lists columns the caller needs; any missing from Select is appended.
	Require        []string
	Where          string
	OrderBy        string
	Skip           int
	Take           int
	IncludeDeleted bool
	Parameters     map[string]any
}

// Windowed reports whether the query pages its results.
func (q Query) Windowed() bool { return q.Skip > 0 || q.Take > 0 }

// QueryStats is returned alongside query results.
type QueryStats struct {
	Duration         time.Duration
	TotalResults     int
	RetrievedResults int
}

// Metadata is the side-channel data stored next to a document.
type Metadata map[string][]string

// Serializer converts entities and metadata to and from stored bytes.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, typ reflect.Type) (any, error)
}

// Value returns the named column, matched case-insensitively since some
// backends fold unquoted identifiers.
func (r Row) Value(name string) (any, bool) {
	if v, ok := r.Values[name]; ok {
		return v, true
	}
	for k, v := range r.Values {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}
