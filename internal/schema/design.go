package schema

import (
	"reflect"
	"strings"
)

// Projection computes one projected column value from an entity.
type Projection struct {
	Column string
	Type   ColumnType
	Value  func(entity any) any
}

// Design binds a Go type to a table.
type Design struct {
	Type          reflect.Type
	Table         *Table
	Discriminator string
	// Version is the current document schema version written on save.
	Version int
	// Parent is the base design that owns a shared table, if any.
	Parent *Design

	abstract    bool
	projections []Projection
	key         func(entity any) string
}

// Abstract reports whether the design only names a table for a base or
// interface type and cannot be materialized.
func (d *Design) Abstract() bool { return d.abstract }

// Projections returns the inherited and own projections.
func (d *Design) Projections() []Projection {
	var out []Projection
	if d.Parent != nil {
		out = append(out, d.Parent.Projections()...)
	}
	return append(out, d.projections...)
}

// Key returns the conventional id of entity, or "" when the design has no
// key convention.
func (d *Design) Key(entity any) string {
	if d.key != nil {
		return d.key(entity)
	}
	if d.Parent != nil {
		return d.Parent.Key(entity)
	}
	return ""
}

// AssignableTo reports whether values of this design can be returned to a
// caller asking for typ.
func (d *Design) AssignableTo(typ reflect.Type) bool {
	return d.Type.AssignableTo(typ)
}

// Option configures a design at registration.
type Option func(*designOptions)

type designOptions struct {
	table         string
	discriminator string
	version       int
	projections   []Projection
	key           func(any) string
}

// InTable stores the design in the named table instead of one named after
// the type. Designs sharing a table are told apart by discriminator.
func InTable(name string) Option {
	return func(o *designOptions) { o.table = name }
}

// WithDiscriminator overrides the stored type tag.
func WithDiscriminator(d string) Option {
	return func(o *designOptions) { o.discriminator = d }
}

// WithVersion sets the current document schema version.
func WithVersion(v int) Option {
	return func(o *designOptions) { o.version = v }
}

// WithKey overrides the id convention.
func WithKey(fn func(entity any) string) Option {
	return func(o *designOptions) { o.key = fn }
}

// WithProjection adds a projected column computed from the entity.
func WithProjection(column string, typ ColumnType, fn func(entity any) any) Option {
	return func(o *designOptions) {
		o.projections = append(o.projections, Projection{Column: column, Type: typ, Value: fn})
	}
}

// Project is WithProjection with a typed accessor.
func Project[T any](column string, typ ColumnType, fn func(T) any) Option {
	return WithProjection(column, typ, func(entity any) any {
		v, ok := entity.(T)
		if !ok {
			return nil
		}
		return fn(v)
	})
}

// conventionKey finds an exported string field named ID or Id.
func conventionKey(typ reflect.Type) func(any) string {
	st := typ
	for st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return nil
	}
	for _, name := range []string{"ID", "Id"} {
		f, ok := st.FieldByName(name)
		if !ok || f.Type.Kind() != reflect.String || !f.IsExported() {
			continue
		}
		index := f.Index
		return func(entity any) string {
			v := reflect.ValueOf(entity)
			for v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return ""
				}
				v = v.Elem()
			}
			if v.Kind() != reflect.Struct {
				return ""
			}
			return v.FieldByIndex(index).String()
		}
	}
	return nil
}

func typeName(typ reflect.Type) string {
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if name := typ.Name(); name != "" {
		return name
	}
	return strings.TrimPrefix(typ.String(), "*")
}
