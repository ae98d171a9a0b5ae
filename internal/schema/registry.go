package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mesh-intelligence/docstore/pkg/types"
)

// ErrInvalidDesign is returned for designs that cannot be registered.
var ErrInvalidDesign = errors.New("invalid document design")

// Registry holds every design known to a store. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	byType  map[reflect.Type]*Design
	tables  []*Table
	byTable map[string]*Table
	// byDiscriminator is keyed by lower-cased table name, then discriminator.
	byDiscriminator map[string]map[string]*Design
	// bases maps a lower-cased table name to the abstract design owning it.
	bases map[string]*Design
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:          make(map[reflect.Type]*Design),
		byTable:         make(map[string]*Table),
		byDiscriminator: make(map[string]map[string]*Design),
		bases:           make(map[string]*Design),
	}
}

// Document registers the concrete entity type T, which must be a pointer to
// a struct so that instances have reference identity.
func Document[T any](r *Registry, opts ...Option) (*Design, error) {
	return r.Register(reflect.TypeFor[T](), opts...)
}

// Base registers T, typically an interface, as the owner of a polymorphic
// table. Concrete designs registered later in the same table inherit its
// projections and key convention.
func Base[T any](r *Registry, opts ...Option) (*Design, error) {
	return r.RegisterBase(reflect.TypeFor[T](), opts...)
}

// Register adds a concrete design for typ.
func (r *Registry) Register(typ reflect.Type, opts ...Option) (*Design, error) {
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v must be a pointer to a struct", ErrInvalidDesign, typ)
	}
	return r.add(typ, false, opts)
}

// RegisterBase adds an abstract design for typ.
func (r *Registry) RegisterBase(typ reflect.Type, opts ...Option) (*Design, error) {
	if typ == nil {
		return nil, fmt.Errorf("%w: nil type", ErrInvalidDesign)
	}
	return r.add(typ, true, opts)
}

func (r *Registry) add(typ reflect.Type, abstract bool, opts []Option) (*Design, error) {
	if _, ok := r.byType[typ]; ok {
		return nil, fmt.Errorf("%w: %v registered twice", ErrInvalidDesign, typ)
	}
	o := designOptions{table: typeName(typ), discriminator: typeName(typ)}
	for _, opt := range opts {
		opt(&o)
	}
	tableKey := strings.ToLower(o.table)
	table, known := r.byTable[tableKey]
	if !known {
		table = NewTable(o.table)
	}

	if abstract {
		if _, taken := r.bases[tableKey]; taken {
			return nil, fmt.Errorf("%w: table %s already has a base design", ErrInvalidDesign, o.table)
		}
	} else if other, taken := r.byDiscriminator[tableKey][o.discriminator]; taken {
		return nil, fmt.Errorf("%w: discriminator %q on %s already used by %v", ErrInvalidDesign, o.discriminator, o.table, other.Type)
	}
	for _, p := range o.projections {
		if err := table.checkProjection(Column{Name: p.Column, Type: p.Type}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDesign, err)
		}
	}

	d := &Design{
		Type:          typ,
		Table:         table,
		Discriminator: o.discriminator,
		Version:       o.version,
		abstract:      abstract,
		projections:   o.projections,
		key:           o.key,
	}
	if d.key == nil {
		d.key = conventionKey(typ)
	}
	if !known {
		r.byTable[tableKey] = table
		r.tables = append(r.tables, table)
	}
	for _, p := range o.projections {
		table.addProjection(Column{Name: p.Column, Type: p.Type})
	}
	if abstract {
		r.bases[tableKey] = d
	} else {
		d.Parent = r.bases[tableKey]
		if r.byDiscriminator[tableKey] == nil {
			r.byDiscriminator[tableKey] = make(map[string]*Design)
		}
		r.byDiscriminator[tableKey][d.Discriminator] = d
	}
	r.byType[typ] = d
	return d, nil
}

// Design returns the design registered for typ.
func (r *Registry) Design(typ reflect.Type) (*Design, error) {
	if d, ok := r.byType[typ]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %v", types.ErrDesignNotFound, typ)
}

// DesignFor returns the concrete design of entity.
func (r *Registry) DesignFor(entity any) (*Design, error) {
	if entity == nil {
		return nil, types.ErrInvalidEntity
	}
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, types.ErrInvalidEntity
	}
	return r.Design(v.Type())
}

// Resolve returns the concrete design stored in table under discriminator.
func (r *Registry) Resolve(table *Table, discriminator string) (*Design, bool) {
	d, ok := r.byDiscriminator[strings.ToLower(table.Name)][discriminator]
	return d, ok
}

// Table returns the named table, case-insensitively.
func (r *Registry) Table(name string) (*Table, bool) {
	t, ok := r.byTable[strings.ToLower(name)]
	return t, ok
}

// Tables returns every table in registration order.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, len(r.tables))
	copy(out, r.tables)
	return out
}

// EnsureTable returns the named table, adding a bare one holding only the
// system columns when no design uses it. Tools that work on raw rows use it
// to reach tables without knowing their Go types.
func (r *Registry) EnsureTable(name string) *Table {
	if t, ok := r.Table(name); ok {
		return t
	}
	t := NewTable(name)
	r.byTable[strings.ToLower(name)] = t
	r.tables = append(r.tables, t)
	return t
}
