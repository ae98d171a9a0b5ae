package types

import "errors"

// Config holds backend selection and parameters for opening a store.
type Config struct {
	// Backend selects the dialect: sqlite, postgres or sqlserver.
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// DSN is the connection string. Required for postgres and sqlserver.
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`

	// DataDir holds the SQLite database file (docstore.db).
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// MaxParameters caps the bound parameters sent in one round trip.
	// Zero selects the dialect default.
	MaxParameters int `json:"max_parameters" yaml:"max_parameters" mapstructure:"max_parameters"`

	// BackupDir receives superseded document versions when set.
	BackupDir string `json:"backup_dir" yaml:"backup_dir" mapstructure:"backup_dir"`

	// BackupBucket sends superseded document versions to S3 when set.
	BackupBucket   string `json:"backup_bucket" yaml:"backup_bucket" mapstructure:"backup_bucket"`
	BackupRegion   string `json:"backup_region" yaml:"backup_region" mapstructure:"backup_region"`
	BackupEndpoint string `json:"backup_endpoint" yaml:"backup_endpoint" mapstructure:"backup_endpoint"`
}

// Supported backend names.
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendSQLServer = "sqlserver"
)

// SQLiteFileName is the database file created inside Config.DataDir.
const SQLiteFileName = "docstore.db"

// Config validation errors.
var (
	ErrBackendEmpty          = errors.New("backend must not be empty")
	ErrBackendUnknown        = errors.New("unknown backend")
	ErrDSNRequired           = errors.New("dsn is required for this backend")
	ErrMaxParametersInvalid  = errors.New("max parameters must not be negative")
	ErrBackupTargetAmbiguous = errors.New("backup dir and backup bucket are mutually exclusive")
)

var knownBackends = map[string]bool{
	BackendSQLite:    true,
	BackendPostgres:  true,
	BackendSQLServer: true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend != BackendSQLite && c.DSN == "" {
		return ErrDSNRequired
	}
	if c.MaxParameters < 0 {
		return ErrMaxParametersInvalid
	}
	if c.BackupDir != "" && c.BackupBucket != "" {
		return ErrBackupTargetAmbiguous
	}
	return nil
}
