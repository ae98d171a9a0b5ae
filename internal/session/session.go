// Package session implements the document session: an identity-mapped unit
// of work that tracks loaded and stored entities, diffs them against their
// last persisted snapshot and writes the differences as one atomic batch.
//
// A Session is not safe for concurrent use.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/docstore/internal/backup"
	"github.com/mesh-intelligence/docstore/internal/metrics"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/internal/store"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Session tracks entities between saves.
type Session struct {
	store      *store.Store
	registry   *schema.Registry
	serializer types.Serializer
	log        *zap.Logger

	entities *ManagedEntities
	deferred []store.Command
	// tx is the enlisted transaction, if any. The session never commits it.
	tx     *store.Transaction
	backup backup.Writer
	saving bool
}

// Option configures a session.
type Option func(*Session)

// WithTransaction enlists tx. Reads and saves run inside it and commit or
// roll back with it.
func WithTransaction(tx *store.Transaction) Option {
	return func(s *Session) { s.tx = tx }
}

// WithBackup sets where superseded document versions go.
func WithBackup(w backup.Writer) Option {
	return func(s *Session) { s.backup = w }
}

// WithObserver registers an identity-map observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.entities.Observe(o) }
}

// New opens a session on st.
func New(st *store.Store, opts ...Option) *Session {
	s := &Session{
		store:      st,
		registry:   st.Registry(),
		serializer: st.Serializer(),
		log:        st.Logger(),
		entities:   NewManagedEntities(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreOption qualifies Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	id   string
	etag uuid.UUID
}

// WithID stores the entity under id instead of its conventional key.
func WithID(id string) StoreOption {
	return func(o *storeOptions) { o.id = id }
}

// WithEtag declares that the document already exists with etag; the next
// save updates it instead of inserting.
func WithEtag(etag uuid.UUID) StoreOption {
	return func(o *storeOptions) { o.etag = etag }
}

// SaveOption qualifies SaveChanges.
type SaveOption func(*saveOptions)

type saveOptions struct {
	lastWriteWins  bool
	forceUnchanged bool
}

// LastWriteWins drops the etag predicate from updates and deletes.
func LastWriteWins() SaveOption {
	return func(o *saveOptions) { o.lastWriteWins = true }
}

// ForceWriteUnchanged writes loaded entities even when their serialized form
// did not change.
func ForceWriteUnchanged() SaveOption {
	return func(o *saveOptions) { o.forceUnchanged = true }
}

// Load returns the entity stored under id as typ. Tracked entities are
// returned as they are. It returns types.ErrNotFound for absent documents
// and for entities marked deleted in this session.
func (s *Session) Load(ctx context.Context, typ reflect.Type, id string) (any, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	d, err := s.registry.Design(typ)
	if err != nil {
		return nil, err
	}
	if m, ok := s.entities.Get(NewEntityKey(d.Table.Name, id)); ok {
		return s.tracked(m, typ)
	}

	var row types.Row
	err = s.read(ctx, func(tx *store.Transaction) error {
		var err error
		row, err = tx.Get(ctx, d.Table, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	m, err := s.materialize(d.Table, typ, row)
	if err != nil {
		return nil, err
	}
	return s.tracked(m, typ)
}

// Query runs q against the table of typ and returns the matching entities.
// Rows already tracked resolve to the tracked instance; tombstones, returned
// only with IncludeDeleted, are tracked as deleted.
func (s *Session) Query(ctx context.Context, typ reflect.Type, q types.Query) ([]any, types.QueryStats, error) {
	d, err := s.registry.Design(typ)
	if err != nil {
		return nil, types.QueryStats{}, err
	}
	q.Require = append(slices.Clip(q.Require), schema.ColumnID, schema.ColumnEtag, schema.ColumnDocument, schema.ColumnMetadata, schema.ColumnVersion)

	var rows []types.Row
	var stats types.QueryStats
	err = s.read(ctx, func(tx *store.Transaction) error {
		var err error
		rows, stats, err = tx.Query(ctx, d.Table, q)
		return err
	})
	if err != nil {
		return nil, stats, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		m, err := s.materialize(d.Table, typ, row)
		if err != nil {
			return nil, stats, err
		}
		// Deleted in this session but still stored: Load would not find it.
		if m.State == types.StateDeleted && !m.tombstone {
			continue
		}
		if err := assignable(m, typ); err != nil {
			return nil, stats, err
		}
		out = append(out, m.Entity)
	}
	return out, stats, nil
}

// tracked applies Load's rules to a tracked entity.
func (s *Session) tracked(m *ManagedEntity, typ reflect.Type) (any, error) {
	if m.State == types.StateDeleted {
		return nil, fmt.Errorf("%w: %s/%s is deleted", types.ErrNotFound, m.Table.Name, m.Key)
	}
	if err := assignable(m, typ); err != nil {
		return nil, err
	}
	return m.Entity, nil
}

func assignable(m *ManagedEntity, typ reflect.Type) error {
	actual := reflect.TypeOf(m.Entity)
	if !actual.AssignableTo(typ) {
		return &types.TypeMismatchError{ID: m.Key, Requested: typ.String(), Actual: actual.String()}
	}
	return nil
}

// materialize returns the tracked entity for row, or deserializes and tracks
// a new one. Tombstones are materialized too so a stale reference can still
// be serialized.
func (s *Session) materialize(table *schema.Table, typ reflect.Type, row types.Row) (*ManagedEntity, error) {
	if m, ok := s.entities.Get(NewEntityKey(table.Name, row.ID)); ok {
		return m, nil
	}
	d, ok := s.registry.Resolve(table, row.Discriminator)
	if !ok {
		return nil, fmt.Errorf("%w: discriminator %q in %s", types.ErrDesignNotFound, row.Discriminator, table.Name)
	}
	if !d.AssignableTo(typ) {
		return nil, &types.TypeMismatchError{ID: row.ID, Requested: typ.String(), Actual: d.Type.String()}
	}
	entity, err := s.serializer.Deserialize(row.Document, d.Type)
	if err != nil {
		return nil, fmt.Errorf("materializing %s/%s: %w", table.Name, row.ID, err)
	}
	m := &ManagedEntity{
		Key:      row.ID,
		Table:    table,
		Design:   d,
		Entity:   entity,
		Document: row.Document,
		Etag:     row.Etag,
		Version:  row.Version,
		State:    types.StateLoaded,
	}
	if len(row.Metadata) > 0 {
		md, err := s.serializer.Deserialize(row.Metadata, reflect.TypeFor[types.Metadata]())
		if err != nil {
			return nil, fmt.Errorf("materializing metadata of %s/%s: %w", table.Name, row.ID, err)
		}
		switch v := md.(type) {
		case types.Metadata:
			m.Metadata = v
		case *types.Metadata:
			if v != nil {
				m.Metadata = *v
			}
		default:
			return nil, fmt.Errorf("materializing metadata of %s/%s: serializer returned %T", table.Name, row.ID, md)
		}
		m.MetadataDocument = row.Metadata
	}
	if row.LastOperation == types.OperationDeleted {
		m.State = types.StateDeleted
		m.tombstone = true
	}
	if err := s.entities.Add(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Store tracks entity. New entities are inserted by the next save; with
// WithEtag they are updated instead. Storing a tracked (id, entity) pair
// again is a no-op.
func (s *Session) Store(entity any, opts ...StoreOption) error {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	d, err := s.registry.DesignFor(entity)
	if err != nil {
		return err
	}
	id := o.id
	if id == "" {
		id = d.Key(entity)
	}
	if id == "" {
		return fmt.Errorf("%w: %T has no id", types.ErrInvalidID, entity)
	}

	if m, ok := s.entities.Get(NewEntityKey(d.Table.Name, id)); ok && m.Entity == entity {
		return nil
	}
	m := &ManagedEntity{
		Key:     id,
		Table:   d.Table,
		Design:  d,
		Entity:  entity,
		Version: d.Version,
		State:   types.StateTransient,
	}
	if o.etag != uuid.Nil {
		m.Etag = o.etag
		m.State = types.StateLoaded
	}
	return s.entities.Add(m)
}

// Delete marks entity for deletion. Entities never persisted are evicted
// instead; untracked entities are ignored.
func (s *Session) Delete(entity any) {
	m, ok := s.entities.GetByEntity(entity)
	if !ok {
		return
	}
	if m.State == types.StateTransient {
		s.entities.Remove(m.EntityKey())
		return
	}
	m.State = types.StateDeleted
}

// Evict stops tracking entity without writing anything.
func (s *Session) Evict(entity any) {
	if m, ok := s.entities.GetByEntity(entity); ok {
		s.entities.Remove(m.EntityKey())
	}
}

// Defer adds commands to run in the next save's batch, ahead of the
// entity writes.
func (s *Session) Defer(commands ...store.Command) {
	s.deferred = append(s.deferred, commands...)
}

// Exists reports whether a document exists and returns its etag. Tracked
// entities answer from the session; new ones have a nil etag.
func (s *Session) Exists(ctx context.Context, typ reflect.Type, id string) (uuid.UUID, bool, error) {
	if id == "" {
		return uuid.Nil, false, types.ErrInvalidID
	}
	d, err := s.registry.Design(typ)
	if err != nil {
		return uuid.Nil, false, err
	}
	if m, ok := s.entities.Get(NewEntityKey(d.Table.Name, id)); ok {
		if m.State == types.StateDeleted {
			return uuid.Nil, false, nil
		}
		return m.Etag, true, nil
	}
	var etag uuid.UUID
	var found bool
	err = s.read(ctx, func(tx *store.Transaction) error {
		var err error
		etag, found, err = tx.Exists(ctx, d.Table, id)
		return err
	})
	return etag, found, err
}

// Metadata returns the metadata of a tracked entity.
func (s *Session) Metadata(entity any) (types.Metadata, error) {
	m, ok := s.entities.GetByEntity(entity)
	if !ok {
		return nil, fmt.Errorf("%w: entity is not tracked", types.ErrNotFound)
	}
	return m.Metadata, nil
}

// SetMetadata replaces the metadata written with entity on the next save.
func (s *Session) SetMetadata(entity any, md types.Metadata) error {
	m, ok := s.entities.GetByEntity(entity)
	if !ok {
		return fmt.Errorf("%w: entity is not tracked", types.ErrNotFound)
	}
	m.Metadata = md
	return nil
}

// Etag returns the last known etag of a tracked entity.
func (s *Session) Etag(entity any) (uuid.UUID, bool) {
	m, ok := s.entities.GetByEntity(entity)
	if !ok || m.Etag == uuid.Nil {
		return uuid.Nil, false
	}
	return m.Etag, true
}

// ManagedEntities returns the tracked entities in tracking order.
func (s *Session) ManagedEntities() []*ManagedEntity {
	return s.entities.All()
}

// Clear untracks everything, drops deferred commands and leaves any
// enlisted transaction.
func (s *Session) Clear() {
	s.entities.Clear()
	s.deferred = nil
	s.tx = nil
}

// SaveChanges writes every change since the last save as one batch and
// returns the commit id stamped on the written rows. With an enlisted
// transaction the batch runs in it and nothing is committed.
//
// On failure the identity map stays as the diff left it: deleted entities
// are already evicted and new ones already count as loaded. Clear the
// session and reload before retrying.
func (s *Session) SaveChanges(ctx context.Context, opts ...SaveOption) (uuid.UUID, error) {
	if s.saving {
		return uuid.Nil, types.ErrSaveInProgress
	}
	s.saving = true
	defer func() { s.saving = false }()

	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	commands, touched, backups, err := s.diff(o)
	if err != nil {
		s.store.Metrics().Save(metrics.ResultError)
		return uuid.Nil, err
	}
	if s.backup != nil {
		for _, b := range backups {
			if err := s.backup.Write(ctx, b.name, b.document); err != nil {
				s.store.Metrics().Save(metrics.ResultError)
				return uuid.Nil, fmt.Errorf("backing up %s: %w", b.name, err)
			}
		}
	}

	commitID, err := s.execute(ctx, append(s.deferred, commands...))
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, types.ErrConcurrency) {
			result = metrics.ResultConflict
		}
		s.store.Metrics().Save(result)
		return uuid.Nil, err
	}
	s.deferred = nil
	for _, m := range touched {
		m.Etag = commitID
	}
	s.store.Metrics().Save(metrics.ResultOK)
	s.log.Debug("changes saved", zap.Stringer("commit_id", commitID), zap.Int("commands", len(commands)))
	return commitID, nil
}

type pendingBackup struct {
	name     string
	document []byte
}

// diff turns tracked state into commands and advances each entity's
// snapshot as if the write succeeded.
func (s *Session) diff(o saveOptions) ([]store.Command, []*ManagedEntity, []pendingBackup, error) {
	var commands []store.Command
	var touched []*ManagedEntity
	var backups []pendingBackup
	for _, m := range s.entities.All() {
		switch m.State {
		case types.StateTransient:
			f, err := s.fields(m)
			if err != nil {
				return nil, nil, nil, err
			}
			commands = append(commands, &store.InsertCommand{Table: m.Table, ID: m.Key, Fields: f})
			s.snapshot(m, f)
			m.State = types.StateLoaded
			touched = append(touched, m)

		case types.StateLoaded:
			f, err := s.fields(m)
			if err != nil {
				return nil, nil, nil, err
			}
			unchanged := bytes.Equal(f.Document, m.Document) &&
				bytes.Equal(f.Metadata, m.MetadataDocument) &&
				f.Version == m.Version
			if unchanged && !o.forceUnchanged {
				continue
			}
			if f.Version != m.Version && m.Document != nil {
				backups = append(backups, pendingBackup{
					name:     backup.Name(m.Design.Discriminator, m.Key, m.Version),
					document: m.Document,
				})
			}
			commands = append(commands, &store.UpdateCommand{
				Table:         m.Table,
				ID:            m.Key,
				Etag:          m.Etag,
				LastWriteWins: o.lastWriteWins,
				Fields:        f,
			})
			s.snapshot(m, f)
			touched = append(touched, m)

		case types.StateDeleted:
			if m.tombstone {
				s.entities.Remove(m.EntityKey())
				continue
			}
			commands = append(commands, &store.DeleteCommand{
				Table:         m.Table,
				ID:            m.Key,
				Etag:          m.Etag,
				LastWriteWins: o.lastWriteWins,
			})
			s.entities.Remove(m.EntityKey())
		}
	}
	return commands, touched, backups, nil
}

// fields serializes m and computes its projections.
func (s *Session) fields(m *ManagedEntity) (store.Fields, error) {
	doc, err := s.serializer.Serialize(m.Entity)
	if err != nil {
		return store.Fields{}, fmt.Errorf("serializing %s/%s: %w", m.Table.Name, m.Key, err)
	}
	var md []byte
	if m.Metadata != nil {
		if md, err = s.serializer.Serialize(m.Metadata); err != nil {
			return store.Fields{}, fmt.Errorf("serializing metadata of %s/%s: %w", m.Table.Name, m.Key, err)
		}
	}
	projections := make(map[string]any)
	for _, p := range m.Design.Projections() {
		projections[p.Column] = p.Value(m.Entity)
	}
	return store.Fields{
		Document:      doc,
		Metadata:      md,
		Version:       m.Design.Version,
		Discriminator: m.Design.Discriminator,
		Projections:   projections,
	}, nil
}

func (s *Session) snapshot(m *ManagedEntity, f store.Fields) {
	m.Document = f.Document
	m.MetadataDocument = f.Metadata
	m.Version = f.Version
}

// execute runs commands in the enlisted transaction, or in a new one that
// is committed here.
func (s *Session) execute(ctx context.Context, commands []store.Command) (uuid.UUID, error) {
	if s.tx != nil {
		if len(commands) > 0 {
			if _, err := s.tx.Execute(ctx, commands...); err != nil {
				return uuid.Nil, err
			}
		}
		return s.tx.CommitID(), nil
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Close()
	if len(commands) > 0 {
		if _, err := tx.Execute(ctx, commands...); err != nil {
			return uuid.Nil, err
		}
	}
	return tx.Complete()
}

// read runs fn in the enlisted transaction or a short-lived one.
func (s *Session) read(ctx context.Context, fn func(*store.Transaction) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := fn(tx); err != nil {
		return err
	}
	_, err = tx.Complete()
	return err
}
