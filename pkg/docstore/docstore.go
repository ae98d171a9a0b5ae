// Package docstore is the public API of the document store. It opens a
// Store on a SQLite, PostgreSQL or SQL Server backend, registers document
// designs, and hands out sessions that track entities and save them back as
// one atomic batch.
//
// Example:
//
//	reg := docstore.NewRegistry()
//	_, err := docstore.Document[*Order](reg, docstore.InTable("Orders"))
//	st, err := docstore.Open(ctx, docstore.Config{
//	    Backend: docstore.BackendSQLite,
//	    DataDir: ".docstore-db",
//	}, docstore.WithRegistry(reg))
//	defer st.Close()
//	err = st.Migrate(ctx)
//
//	s := st.OpenSession()
//	err = s.Store(&Order{ID: "orders/1"})
//	commitID, err := s.SaveChanges(ctx)
package docstore

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docstore/internal/backup"
	"github.com/mesh-intelligence/docstore/internal/changefeed"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/internal/session"
	"github.com/mesh-intelligence/docstore/internal/store"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Version is the library version.
const Version = "0.3.0"

type (
	Config      = types.Config
	Query       = types.Query
	QueryStats  = types.QueryStats
	Metadata    = types.Metadata
	Row         = types.Row
	Operation   = types.Operation
	EntityState = types.EntityState
	Serializer  = types.Serializer

	Registry     = schema.Registry
	Design       = schema.Design
	Table        = schema.Table
	ColumnType   = schema.ColumnType
	DesignOption = schema.Option

	Option        = store.Option
	Transaction   = store.Transaction
	Stats         = store.Stats
	Command       = store.Command
	Fields        = store.Fields
	InsertCommand = store.InsertCommand
	UpdateCommand = store.UpdateCommand
	DeleteCommand = store.DeleteCommand
	RawCommand    = store.RawCommand
	Session       = session.Session
	SessionOption = session.Option
	StoreOption   = session.StoreOption
	SaveOption    = session.SaveOption
	ManagedEntity = session.ManagedEntity
	Observer      = session.Observer
	ObserverFuncs = session.ObserverFuncs
	BackupWriter  = backup.Writer
	Change        = changefeed.Change
	ChangeBatch   = changefeed.Batch
	ChangeReader  = changefeed.Reader
)

// Backend names.
const (
	BackendSQLite    = types.BackendSQLite
	BackendPostgres  = types.BackendPostgres
	BackendSQLServer = types.BackendSQLServer
)

// Projection column types.
const (
	TypeText      = schema.TypeText
	TypeInteger   = schema.TypeInteger
	TypeReal      = schema.TypeReal
	TypeBoolean   = schema.TypeBoolean
	TypeBlob      = schema.TypeBlob
	TypeTimestamp = schema.TypeTimestamp
	TypeUUID      = schema.TypeUUID
)

var (
	NewRegistry       = schema.NewRegistry
	InTable           = schema.InTable
	WithDiscriminator = schema.WithDiscriminator
	WithVersion       = schema.WithVersion
	WithKey           = schema.WithKey
	WithProjection    = schema.WithProjection

	WithLogger     = store.WithLogger
	WithRegisterer = store.WithRegisterer
	WithRegistry   = store.WithRegistry
	WithSerializer = store.WithSerializer

	WithTransaction     = session.WithTransaction
	WithBackup          = session.WithBackup
	WithObserver        = session.WithObserver
	WithID              = session.WithID
	WithEtag            = session.WithEtag
	LastWriteWins       = session.LastWriteWins
	ForceWriteUnchanged = session.ForceWriteUnchanged
)

// Document registers the concrete type T.
func Document[T any](r *Registry, opts ...DesignOption) (*Design, error) {
	return schema.Document[T](r, opts...)
}

// Base registers T, usually an interface, as the owner of a table shared by
// several concrete types.
func Base[T any](r *Registry, opts ...DesignOption) (*Design, error) {
	return schema.Base[T](r, opts...)
}

// Project adds a typed projection column computed from T.
func Project[T any](column string, typ ColumnType, fn func(T) any) DesignOption {
	return schema.Project[T](column, typ, fn)
}

// Store is an open document store.
type Store struct {
	*store.Store
	backup backup.Writer
}

// Open connects to the backend in cfg. Sessions opened from the returned
// Store send superseded documents to the backup target in cfg, if any.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	st, err := store.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	w, err := backup.FromConfig(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &Store{Store: st, backup: w}, nil
}

// OpenSession starts a session. Options given here override the store's
// backup target.
func (s *Store) OpenSession(opts ...SessionOption) *Session {
	if s.backup != nil {
		opts = append([]SessionOption{session.WithBackup(s.backup)}, opts...)
	}
	return session.New(s.Store, opts...)
}

// Changes returns a change-feed reader for the named table.
func (s *Store) Changes(table string) (*ChangeReader, error) {
	return changefeed.NewReader(s.Store, table)
}

// Load returns the document stored under id as a T.
func Load[T any](ctx context.Context, s *Session, id string) (T, error) {
	var zero T
	v, err := s.Load(ctx, reflect.TypeFor[T](), id)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// QueryAll runs q against the table of T.
func QueryAll[T any](ctx context.Context, s *Session, q Query) ([]T, QueryStats, error) {
	vs, stats, err := s.Query(ctx, reflect.TypeFor[T](), q)
	if err != nil {
		return nil, stats, err
	}
	out := make([]T, len(vs))
	for i, v := range vs {
		out[i] = v.(T)
	}
	return out, stats, nil
}

// Exists reports whether a T is stored under id and returns its etag.
func Exists[T any](ctx context.Context, s *Session, id string) (uuid.UUID, bool, error) {
	return s.Exists(ctx, reflect.TypeFor[T](), id)
}
