// Package store runs documents against a relational backend. A Store owns the
// connection pool, dialect and schema registry; a Transaction owns one
// backend transaction and executes point-gets, paged and change-feed queries,
// and batches of write commands under optimistic concurrency.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/docstore/internal/dialect"
	"github.com/mesh-intelligence/docstore/internal/metrics"
	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Store is safe for concurrent use. Transactions it hands out are not.
type Store struct {
	db         *sql.DB
	dialect    dialect.Dialect
	registry   *schema.Registry
	serializer types.Serializer
	log        *zap.Logger
	metrics    *metrics.Collector
	maxParams  int

	begun      atomic.Int64
	completed  atomic.Int64
	rolledBack atomic.Int64
}

// Stats are the store's resource counters.
type Stats struct {
	Begun      int64 `json:"begun"`
	Completed  int64 `json:"completed"`
	RolledBack int64 `json:"rolled_back"`
	Open       int64 `json:"open"`
}

// Option configures Open.
type Option func(*options)

type options struct {
	log        *zap.Logger
	registerer prometheus.Registerer
	registry   *schema.Registry
	serializer types.Serializer
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer registers the store's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithRegistry sets the schema registry. Designs may be added to it until
// the first session is opened.
func WithRegistry(r *schema.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSerializer replaces the JSON document serializer.
func WithSerializer(s types.Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: zap.NewNop(), serializer: schema.JSONSerializer{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = schema.NewRegistry()
	}

	d, err := dialect.New(cfg.Backend)
	if err != nil {
		return nil, err
	}
	dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Backend, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &types.TransportError{Op: "connecting to " + cfg.Backend, Err: err}
	}

	maxParams := cfg.MaxParameters
	if maxParams == 0 {
		maxParams = d.MaxParameters()
	}
	o.log.Debug("store opened", zap.String("backend", cfg.Backend), zap.Int("max_parameters", maxParams))
	return &Store{
		db:         db,
		dialect:    d,
		registry:   o.registry,
		serializer: o.serializer,
		log:        o.log,
		metrics:    m,
		maxParams:  maxParams,
	}, nil
}

// dataSource returns the DSN, deriving the SQLite file path from DataDir
// when no DSN is given.
func dataSource(cfg types.Config) (string, error) {
	if cfg.DSN != "" || cfg.Backend != types.BackendSQLite {
		return cfg.DSN, nil
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return filepath.Join(dataDir, types.SQLiteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

// Migrate creates the row-version machinery and every registered table.
// It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := s.dialect.SetupDDL()
	for _, t := range s.registry.Tables() {
		stmts = append(stmts, s.dialect.TableDDL(t)...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &types.TransportError{Op: "migrating schema", Err: err}
		}
	}
	s.log.Info("schema migrated", zap.Int("tables", len(s.registry.Tables())))
	return nil
}

// Begin starts a Document Transaction. Every row it writes is stamped with
// its commit id.
func (s *Store) Begin(ctx context.Context) (*Transaction, error) {
	commitID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating commit id: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &types.TransportError{Op: "beginning transaction", Err: err}
	}
	s.begun.Add(1)
	s.metrics.TransactionOpened()
	return &Transaction{
		store:    s,
		tx:       tx,
		commitID: commitID,
		log:      s.log.With(zap.Stringer("commit_id", commitID)),
	}, nil
}

// Stats returns a snapshot of the resource counters.
func (s *Store) Stats() Stats {
	begun, completed, rolledBack := s.begun.Load(), s.completed.Load(), s.rolledBack.Load()
	return Stats{
		Begun:      begun,
		Completed:  completed,
		RolledBack: rolledBack,
		Open:       begun - completed - rolledBack,
	}
}

func (s *Store) Registry() *schema.Registry   { return s.registry }
func (s *Store) Dialect() dialect.Dialect     { return s.dialect }
func (s *Store) Serializer() types.Serializer { return s.serializer }
func (s *Store) Logger() *zap.Logger          { return s.log }
func (s *Store) Metrics() *metrics.Collector  { return s.metrics }
func (s *Store) MaxParameters() int           { return s.maxParams }

// Close closes the connection pool. Open transactions are rolled back by
// the driver.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
