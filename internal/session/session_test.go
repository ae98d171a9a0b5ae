package session

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docstore/internal/backup"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/internal/store"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

type order struct {
	ID       string
	Customer string
	Total    int
}

type animal interface{ Sound() string }

type dog struct {
	ID   string
	Name string
}

func (*dog) Sound() string { return "woof" }

type cat struct {
	ID   string
	Name string
}

func (*cat) Sound() string { return "meow" }

var (
	orderType  = reflect.TypeFor[*order]()
	animalType = reflect.TypeFor[animal]()
	dogType    = reflect.TypeFor[*dog]()
	catType    = reflect.TypeFor[*cat]()
)

type fixture struct {
	store *store.Store
	order *schema.Design
}

// setup opens a migrated SQLite store with an Orders table and a polymorphic
// Animals table. register may add designs before migration.
func setup(t *testing.T, register ...func(*schema.Registry)) fixture {
	t.Helper()
	reg := schema.NewRegistry()
	od, err := schema.Document[*order](reg,
		schema.InTable("Orders"),
		schema.WithDiscriminator("order"),
		schema.Project[*order]("Total", schema.TypeInteger, func(o *order) any { return o.Total }),
	)
	require.NoError(t, err)
	_, err = schema.Base[animal](reg, schema.InTable("Animals"))
	require.NoError(t, err)
	_, err = schema.Document[*dog](reg, schema.InTable("Animals"), schema.WithDiscriminator("dog"))
	require.NoError(t, err)
	_, err = schema.Document[*cat](reg, schema.InTable("Animals"), schema.WithDiscriminator("cat"))
	require.NoError(t, err)
	for _, fn := range register {
		fn(reg)
	}

	st, err := store.Open(context.Background(),
		types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()},
		store.WithRegistry(reg),
		store.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return fixture{store: st, order: od}
}

func (f fixture) commands() float64 {
	var n float64
	for _, kind := range []string{store.KindInsert, store.KindUpdate, store.KindDelete, store.KindRaw} {
		n += testutil.ToFloat64(f.store.Metrics().Commands.WithLabelValues(kind))
	}
	return n
}

func (f fixture) seed(t *testing.T, entities ...any) uuid.UUID {
	t.Helper()
	s := New(f.store)
	for _, e := range entities {
		require.NoError(t, s.Store(e))
	}
	id, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	return id
}

func load[T any](t *testing.T, s *Session, id string) T {
	t.Helper()
	v, err := s.Load(context.Background(), reflect.TypeFor[T](), id)
	require.NoError(t, err)
	return v.(T)
}

func TestIdentityStability(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1})

	s := New(f.store)
	first := load[*order](t, s, "a")
	second := load[*order](t, s, "a")
	assert.Same(t, first, second)

	s.Clear()
	third := load[*order](t, s, "a")
	assert.NotSame(t, first, third)
	assert.Equal(t, first, third)
}

func TestCaseInsensitiveIdentity(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	e := &order{Total: 3}
	require.NoError(t, s.Store(e, WithID("Abc")))

	got := load[*order](t, s, "ABC")
	assert.Same(t, e, got)

	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	fresh := New(f.store)
	assert.Equal(t, 3, load[*order](t, fresh, "aBC").Total)
}

func TestNoOpPersistence(t *testing.T) {
	f := setup(t)
	commitID := f.seed(t, &order{ID: "a", Total: 1})
	before := f.commands()

	s := New(f.store)
	o := load[*order](t, s, "a")
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, f.commands())

	etag, ok := s.Etag(o)
	require.True(t, ok)
	assert.Equal(t, commitID, etag)

	_, err = s.SaveChanges(context.Background(), ForceWriteUnchanged())
	require.NoError(t, err)
	assert.Equal(t, before+1, f.commands())
}

func TestAtomicBatch(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1}, &order{ID: "b", Total: 1})

	stale := New(f.store)
	a := load[*order](t, stale, "a")
	b := load[*order](t, stale, "b")

	other := New(f.store)
	load[*order](t, other, "b").Total = 50
	_, err := other.SaveChanges(context.Background())
	require.NoError(t, err)

	a.Total, b.Total = 2, 2
	_, err = stale.SaveChanges(context.Background())
	require.ErrorIs(t, err, types.ErrConcurrency)

	check := New(f.store)
	assert.Equal(t, 1, load[*order](t, check, "a").Total)
	assert.Equal(t, 50, load[*order](t, check, "b").Total)
}

func TestTransientDeleteShortCircuit(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	e := &order{ID: "a"}
	require.NoError(t, s.Store(e))
	s.Delete(e)

	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.commands())
	assert.Empty(t, s.ManagedEntities())
	_, ok, err := s.Exists(context.Background(), orderType, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitTokenSharing(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	a, b := &order{ID: "a"}, &order{ID: "b"}
	require.NoError(t, s.Store(a))
	require.NoError(t, s.Store(b))

	commitID, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	ea, _ := s.Etag(a)
	eb, _ := s.Etag(b)
	assert.Equal(t, commitID, ea)
	assert.Equal(t, commitID, eb)

	etag, ok, err := New(f.store).Exists(context.Background(), orderType, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, commitID, etag)
}

func TestConcurrencyEnforcement(t *testing.T) {
	f := setup(t)
	e1 := f.seed(t, &order{ID: "a", Total: 1})

	s := New(f.store)
	require.NoError(t, s.Store(&order{ID: "a", Total: 9}, WithEtag(uuid.New())))
	_, err := s.SaveChanges(context.Background())
	require.ErrorIs(t, err, types.ErrConcurrency)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.store.Metrics().Saves.WithLabelValues("conflict")))

	check := New(f.store)
	assert.Equal(t, 1, load[*order](t, check, "a").Total)
	etag, _, err := check.Exists(context.Background(), orderType, "a")
	require.NoError(t, err)
	assert.Equal(t, e1, etag)

	// The same write goes through with last-write-wins.
	s = New(f.store)
	require.NoError(t, s.Store(&order{ID: "a", Total: 9}, WithEtag(uuid.New())))
	_, err = s.SaveChanges(context.Background(), LastWriteWins())
	require.NoError(t, err)
	assert.Equal(t, 9, load[*order](t, New(f.store), "a").Total)
}

func TestStoreIdentityConflicts(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	e := &order{ID: "a"}
	require.NoError(t, s.Store(e))
	require.NoError(t, s.Store(e), "same pair is a no-op")
	require.NoError(t, s.Store(e, WithID("A")), "ids compare case-insensitively")

	err := s.Store(&order{ID: "a"})
	assert.ErrorIs(t, err, types.ErrIdentityConflict)

	err = s.Store(e, WithID("b"))
	assert.ErrorIs(t, err, types.ErrIdentityConflict)
	assert.Len(t, s.ManagedEntities(), 1)

	s.Evict(e)
	require.NoError(t, s.Store(e, WithID("b")))
}

func TestStoreRejectsInvalidEntities(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	assert.ErrorIs(t, s.Store(nil), types.ErrInvalidEntity)
	assert.ErrorIs(t, s.Store(order{ID: "a"}), types.ErrInvalidEntity)
	assert.ErrorIs(t, s.Store(&struct{ ID string }{ID: "a"}), types.ErrDesignNotFound)
	assert.ErrorIs(t, s.Store(&order{}), types.ErrInvalidID)
}

func TestPolymorphicLoad(t *testing.T) {
	f := setup(t)
	f.seed(t, &dog{ID: "rex", Name: "Rex"}, &cat{ID: "tom", Name: "Tom"})

	s := New(f.store)
	a, err := s.Load(context.Background(), animalType, "rex")
	require.NoError(t, err)
	assert.Equal(t, "woof", a.(animal).Sound())

	_, err = s.Load(context.Background(), catType, "rex")
	assert.ErrorIs(t, err, types.ErrTypeMismatch)

	fresh := New(f.store)
	_, err = fresh.Load(context.Background(), catType, "rex")
	var mismatch *types.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "rex", mismatch.ID)

	d, err := fresh.Load(context.Background(), dogType, "REX")
	require.NoError(t, err)
	assert.Equal(t, "Rex", d.(*dog).Name)

	all, stats, err := New(f.store).Query(context.Background(), animalType, types.Query{OrderBy: "Id"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalResults)
	require.Len(t, all, 2)
	assert.IsType(t, &dog{}, all[0])
	assert.IsType(t, &cat{}, all[1])
}

func TestDeleteLifecycle(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a"})

	s := New(f.store)
	e := load[*order](t, s, "a")
	s.Delete(e)
	_, err := s.Load(context.Background(), orderType, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, ok, err := s.Exists(context.Background(), orderType, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.ManagedEntities())

	_, err = New(f.store).Load(context.Background(), orderType, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Tombstones come back as deleted entities and are not written again.
	q := New(f.store)
	rows, _, err := q.Query(context.Background(), orderType, types.Query{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.StateDeleted, q.ManagedEntities()[0].State)
	before := f.commands()
	_, err = q.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, f.commands())
}

func TestSaveChangesReentrancy(t *testing.T) {
	type reentrant struct{ ID string }
	var s *Session
	var inner error
	f := setup(t, func(reg *schema.Registry) {
		_, err := schema.Document[*reentrant](reg, schema.Project[*reentrant]("Reentrant", schema.TypeInteger, func(*reentrant) any {
			_, inner = s.SaveChanges(context.Background())
			return 1
		}))
		require.NoError(t, err)
	})

	s = New(f.store)
	require.NoError(t, s.Store(&reentrant{ID: "p"}))
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, inner, types.ErrSaveInProgress)

	// The guard is released afterwards.
	_, err = s.SaveChanges(context.Background())
	assert.NoError(t, err)
}

func TestDeferredCommands(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1})

	s := New(f.store)
	s.Defer(&store.RawCommand{
		Table:        "Orders",
		SQL:          "UPDATE Orders SET Total = @Total WHERE Id = @Id",
		Params:       map[string]any{"Total": 100, "Id": "missing"},
		ExpectedRows: 1,
	})
	require.NoError(t, s.Store(&order{ID: "b"}))
	_, err := s.SaveChanges(context.Background())
	require.ErrorIs(t, err, types.ErrConcurrency)

	_, ok, err := New(f.store).Exists(context.Background(), orderType, "b")
	require.NoError(t, err)
	assert.False(t, ok, "the failed deferred command rolls back the insert")

	s.Clear()
	s.Defer(&store.RawCommand{
		Table:        "Orders",
		SQL:          "UPDATE Orders SET Total = @Total WHERE Id = @Id",
		Params:       map[string]any{"Total": 100, "Id": "a"},
		ExpectedRows: 1,
	})
	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)

	rows, _, err := New(f.store).Query(context.Background(), orderType, types.Query{Where: "Total = @Total", Parameters: map[string]any{"Total": 100}})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEnlistedTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	first := New(f.store, WithTransaction(tx))
	second := New(f.store, WithTransaction(tx))
	require.NoError(t, first.Store(&order{ID: "a"}))
	c1, err := first.SaveChanges(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Store(&order{ID: "b"}))
	c2, err := second.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.CommitID(), c1)
	assert.Equal(t, c1, c2)

	// The enlisted transaction sees its own writes.
	_, ok, err := second.Exists(ctx, orderType, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tx.Close())
	_, ok, err = New(f.store).Exists(ctx, orderType, "a")
	require.NoError(t, err)
	assert.False(t, ok, "nothing is committed without the caller")

	tx, err = f.store.Begin(ctx)
	require.NoError(t, err)
	s := New(f.store, WithTransaction(tx))
	require.NoError(t, s.Store(&order{ID: "c"}))
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	_, err = tx.Complete()
	require.NoError(t, err)
	_, ok, err = New(f.store).Exists(ctx, orderType, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBackupOnVersionChange(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1})
	dir := t.TempDir()
	w, err := backup.NewFileWriter(dir)
	require.NoError(t, err)

	f.order.Version = 2
	s := New(f.store, WithBackup(w))
	load[*order](t, s, "a")
	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "order_a_0.bak"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"a","Customer":"","Total":1}`, string(data))

	fresh := New(f.store)
	load[*order](t, fresh, "a")
	assert.Equal(t, 2, fresh.ManagedEntities()[0].Version)
}

func TestBackupOnVersionChangeWithSlashID(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "orders/1", Total: 5})
	dir := t.TempDir()
	w, err := backup.NewFileWriter(dir)
	require.NoError(t, err)

	f.order.Version = 2
	s := New(f.store, WithBackup(w))
	load[*order](t, s, "orders/1")
	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "order_orders%2F1_0.bak"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"orders/1","Customer":"","Total":5}`, string(data))
}

func TestMetadata(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	e := &order{ID: "a"}
	require.NoError(t, s.Store(e))
	require.NoError(t, s.SetMetadata(e, types.Metadata{"tags": {"rush"}}))
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)

	fresh := New(f.store)
	got := load[*order](t, fresh, "a")
	md, err := fresh.Metadata(got)
	require.NoError(t, err)
	assert.Equal(t, types.Metadata{"tags": {"rush"}}, md)

	_, err = fresh.Metadata(&order{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Changing only metadata is a change.
	before := f.commands()
	require.NoError(t, fresh.SetMetadata(got, types.Metadata{"tags": {"rush", "gift"}}))
	_, err = fresh.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, f.commands())
}

// metadataSerializer is JSON for documents and hands metadata back through fn.
type metadataSerializer struct {
	schema.JSONSerializer
	fn func(types.Metadata) any
}

func (m metadataSerializer) Deserialize(data []byte, typ reflect.Type) (any, error) {
	v, err := m.JSONSerializer.Deserialize(data, typ)
	if err != nil || typ != reflect.TypeFor[types.Metadata]() {
		return v, err
	}
	return m.fn(v.(types.Metadata)), nil
}

func TestMetadataFromCustomSerializer(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(types.Metadata) any
		want    types.Metadata
		wantErr bool
	}{
		{"value", func(md types.Metadata) any { return md }, types.Metadata{"tags": {"rush"}}, false},
		{"pointer", func(md types.Metadata) any { return &md }, types.Metadata{"tags": {"rush"}}, false},
		{"nil pointer", func(types.Metadata) any { return (*types.Metadata)(nil) }, nil, false},
		{"wrong type", func(types.Metadata) any { return "tags" }, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := schema.NewRegistry()
			_, err := schema.Document[*order](reg, schema.InTable("Orders"), schema.WithDiscriminator("order"))
			require.NoError(t, err)
			st, err := store.Open(context.Background(),
				types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()},
				store.WithRegistry(reg),
				store.WithRegisterer(prometheus.NewRegistry()),
				store.WithSerializer(metadataSerializer{fn: tt.fn}),
			)
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			require.NoError(t, st.Migrate(context.Background()))

			s := New(st)
			e := &order{ID: "a"}
			require.NoError(t, s.Store(e))
			require.NoError(t, s.SetMetadata(e, types.Metadata{"tags": {"rush"}}))
			_, err = s.SaveChanges(context.Background())
			require.NoError(t, err)

			fresh := New(st)
			got, err := fresh.Load(context.Background(), orderType, "a")
			if tt.wantErr {
				assert.ErrorContains(t, err, "serializer returned string")
				return
			}
			require.NoError(t, err)
			md, err := fresh.Metadata(got)
			require.NoError(t, err)
			assert.Equal(t, tt.want, md)
		})
	}
}

func TestQueryReturnsTrackedInstances(t *testing.T) {
	f := setup(t)
	var seed []any
	for i := range 10 {
		seed = append(seed, &order{ID: string(rune('a' + i)), Total: i})
	}
	f.seed(t, seed...)

	s := New(f.store)
	c := load[*order](t, s, "c")
	got, stats, err := s.Query(context.Background(), orderType, types.Query{Skip: 2, Take: 5, OrderBy: "Total"})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalResults)
	assert.Equal(t, 5, stats.RetrievedResults)
	require.Len(t, got, 5)
	assert.Same(t, c, got[0])
	var totals []int
	for _, e := range got {
		totals = append(totals, e.(*order).Total)
	}
	assert.Equal(t, []int{2, 3, 4, 5, 6}, totals)

	narrow, _, err := s.Query(context.Background(), orderType, types.Query{Select: "Id", Where: "Total > @Min", Parameters: map[string]any{"Min": 7}})
	require.NoError(t, err)
	assert.Len(t, narrow, 2)
}

func TestQuerySkipsEntitiesDeletedInSession(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1}, &order{ID: "b", Total: 2})

	s := New(f.store)
	s.Delete(load[*order](t, s, "a"))
	got, _, err := s.Query(context.Background(), orderType, types.Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].(*order).ID)

	got, _, err = s.Query(context.Background(), orderType, types.Query{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
	got, _, err = New(f.store).Query(context.Background(), orderType, types.Query{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestQueryLeavesCallerRequireUntouched(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1})

	require4 := make([]string, 1, 4)
	require4[0] = "Total"
	_, _, err := New(f.store).Query(context.Background(), orderType, types.Query{Require: require4})
	require.NoError(t, err)
	assert.Equal(t, []string{"Total"}, require4)
	assert.Equal(t, []string{"Total", "", "", ""}, require4[:4])
}

func TestEvictAndClear(t *testing.T) {
	f := setup(t)
	f.seed(t, &order{ID: "a", Total: 1})

	var removed int
	s := New(f.store, WithObserver(ObserverFuncs{OnRemoved: func(*ManagedEntity) { removed++ }}))
	a := load[*order](t, s, "a")
	a.Total = 5
	s.Evict(a)
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, load[*order](t, New(f.store), "a").Total, "evicted changes are not written")

	load[*order](t, s, "a")
	s.Defer(&store.RawCommand{Table: "Orders", SQL: "DELETE FROM Orders", ExpectedRows: -1})
	s.Clear()
	assert.Empty(t, s.ManagedEntities())
	assert.Equal(t, 2, removed)

	_, err = s.SaveChanges(context.Background())
	require.NoError(t, err)
	_, ok, err := s.Exists(context.Background(), orderType, "a")
	require.NoError(t, err)
	assert.True(t, ok, "cleared deferred commands do not run")
}

func TestLoadErrors(t *testing.T) {
	f := setup(t)
	s := New(f.store)
	_, err := s.Load(context.Background(), orderType, "")
	assert.ErrorIs(t, err, types.ErrInvalidID)
	_, err = s.Load(context.Background(), reflect.TypeFor[*struct{}](), "a")
	assert.ErrorIs(t, err, types.ErrDesignNotFound)
	_, err = s.Load(context.Background(), orderType, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
