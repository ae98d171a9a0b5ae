package session

import (
	"container/list"
	"strings"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// EntityKey identifies a document within a session. Ids compare
// case-insensitively.
type EntityKey struct {
	Table string
	ID    string
}

// NewEntityKey normalizes table and id.
func NewEntityKey(table, id string) EntityKey {
	return EntityKey{Table: strings.ToLower(table), ID: strings.ToLower(id)}
}

// ManagedEntity pairs a tracked entity with its last persisted snapshot.
type ManagedEntity struct {
	// Key is the id as first stored or loaded.
	Key    string
	Table  *schema.Table
	Design *schema.Design
	Entity any

	// Document and MetadataDocument are the serialized forms last read or
	// written. Document is nil until the entity has been persisted or loaded.
	Document         []byte
	Metadata         types.Metadata
	MetadataDocument []byte

	// Etag is uuid.Nil until the document is known to exist.
	Etag    uuid.UUID
	Version int
	State   types.EntityState

	// tombstone marks entities materialized from a deleted row. Saving them
	// only evicts them.
	tombstone bool
}

// EntityKey returns the identity-map key.
func (m *ManagedEntity) EntityKey() EntityKey {
	return NewEntityKey(m.Table.Name, m.Key)
}

// Observer is notified when entities enter or leave an identity map.
type Observer interface {
	Added(m *ManagedEntity)
	Removed(m *ManagedEntity)
}

// ObserverFuncs adapts functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnAdded   func(*ManagedEntity)
	OnRemoved func(*ManagedEntity)
}

func (o ObserverFuncs) Added(m *ManagedEntity) {
	if o.OnAdded != nil {
		o.OnAdded(m)
	}
}

func (o ObserverFuncs) Removed(m *ManagedEntity) {
	if o.OnRemoved != nil {
		o.OnRemoved(m)
	}
}

// ManagedEntities is the identity map. Both indexes point at the same list
// element, so they always agree; iteration follows insertion order.
type ManagedEntities struct {
	order     *list.List
	byKey     map[EntityKey]*list.Element
	byEntity  map[any]*list.Element
	observers []Observer
}

// NewManagedEntities returns an empty identity map.
func NewManagedEntities() *ManagedEntities {
	return &ManagedEntities{
		order:    list.New(),
		byKey:    make(map[EntityKey]*list.Element),
		byEntity: make(map[any]*list.Element),
	}
}

// Observe registers o for add and remove notifications.
func (e *ManagedEntities) Observe(o Observer) {
	e.observers = append(e.observers, o)
}

// Add tracks m. It fails when the key or the entity is already tracked.
func (e *ManagedEntities) Add(m *ManagedEntity) error {
	key := m.EntityKey()
	if _, ok := e.byKey[key]; ok {
		return &types.IdentityConflictError{Table: m.Table.Name, ID: m.Key, Reason: "another instance is already tracked under this id"}
	}
	if el, ok := e.byEntity[m.Entity]; ok {
		tracked := el.Value.(*ManagedEntity)
		return &types.IdentityConflictError{Table: m.Table.Name, ID: m.Key, Reason: "instance is already tracked as " + tracked.Key + "; evict it before storing it under another id"}
	}
	el := e.order.PushBack(m)
	e.byKey[key] = el
	e.byEntity[m.Entity] = el
	for _, o := range e.observers {
		o.Added(m)
	}
	return nil
}

// Remove untracks the entity under key.
func (e *ManagedEntities) Remove(key EntityKey) (*ManagedEntity, bool) {
	el, ok := e.byKey[key]
	if !ok {
		return nil, false
	}
	m := el.Value.(*ManagedEntity)
	e.order.Remove(el)
	delete(e.byKey, key)
	delete(e.byEntity, m.Entity)
	for _, o := range e.observers {
		o.Removed(m)
	}
	return m, true
}

// Get looks up by key.
func (e *ManagedEntities) Get(key EntityKey) (*ManagedEntity, bool) {
	el, ok := e.byKey[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*ManagedEntity), true
}

// GetByEntity looks up by entity reference.
func (e *ManagedEntities) GetByEntity(entity any) (*ManagedEntity, bool) {
	if entity == nil {
		return nil, false
	}
	el, ok := e.byEntity[entity]
	if !ok {
		return nil, false
	}
	return el.Value.(*ManagedEntity), true
}

// All returns the tracked entities in insertion order.
func (e *ManagedEntities) All() []*ManagedEntity {
	out := make([]*ManagedEntity, 0, e.order.Len())
	for el := e.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*ManagedEntity))
	}
	return out
}

func (e *ManagedEntities) Len() int { return e.order.Len() }

// Clear untracks everything, notifying observers of each removal.
func (e *ManagedEntities) Clear() {
	removed := e.All()
	e.order.Init()
	clear(e.byKey)
	clear(e.byEntity)
	for _, m := range removed {
		for _, o := range e.observers {
			o.Removed(m)
		}
	}
}
