// Package sqlstore is a docstore engine on top of a SQL database. Documents
// live in one table keyed by (collection, id) with a version column used for
// optimistic concurrency. SQLite (github.com/mattn/go-sqlite3) is the default;
// PostgreSQL works through either the pgx stdlib driver or lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"library-circulation/docstore"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPGX      = "pgx"
	DriverPostgres = "postgres"
)

const (
	defaultTableName = "documents"
	schemaVersion    = 1

	colCollection = "collection"
	colID         = "id"
	colData       = "data"
	colVersion    = "version"
	colCreateTime = "create_time"
	colUpdateTime = "update_time"

	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

var (
	// ErrUnsupportedDriver is returned for a driver name the engine cannot map to a SQL dialect.
	ErrUnsupportedDriver = errors.New("unsupported sql driver")

	// ErrNilDatabaseConnection is returned when a nil *sqlx.DB is supplied.
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")

	// ErrEmptyTableName is returned when WithTableName gets an empty name.
	ErrEmptyTableName = errors.New("table name must not be empty")
)

// Backend implements docstore.Backend.
type Backend struct {
	db          *sqlx.DB
	dialect     goqu.DialectWrapper
	dialectName string
	table       string
	logger      docstore.Logger
	now         func() time.Time
}

// Option defines a functional option for configuring Backend.
type Option func(*Backend) error

// WithTableName sets the documents table name.
func WithTableName(name string) Option {
	return func(b *Backend) error {
		if name == "" {
			return ErrEmptyTableName
		}

		b.table = name

		return nil
	}
}

// WithLogger sets the logger; SQL statements are logged at debug level.
func WithLogger(logger docstore.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

// WithClock replaces the commit clock used for timestamps and ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) error {
		b.now = now
		return nil
	}
}

// Open connects with the given driver and DSN and applies migrations.
func Open(ctx context.Context, driver, dsn string, options ...Option) (*Backend, error) {
	if _, err := dialectFor(driver); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}

	if driver == DriverSQLite {
		// one writer at a time; readers use WAL snapshots
		db.SetMaxOpenConns(8)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	b, err := NewFromSQLX(ctx, db, options...)
	if err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string, options ...Option) (*Backend, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}

	// Immediate transactions take the write lock at BEGIN, so two committers
	// never deadlock upgrading a read lock.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path)

	return Open(ctx, DriverSQLite, dsn, options...)
}

// NewFromSQLX uses an existing connection pool and applies migrations.
func NewFromSQLX(ctx context.Context, db *sqlx.DB, options ...Option) (*Backend, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	dialectName, err := dialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}

	b := &Backend{
		db:          db,
		dialect:     goqu.Dialect(dialectName),
		dialectName: dialectName,
		table:       defaultTableName,
		now:         time.Now,
	}

	for _, option := range options {
		if err := option(b); err != nil {
			return nil, err
		}
	}

	if err := b.applyMigrations(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// DB exposes the pool, e.g. for health checks.
func (b *Backend) DB() *sqlx.DB {
	return b.db
}

func dialectFor(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return dialectSQLite, nil
	case DriverPGX, DriverPostgres:
		return dialectPostgres, nil
	default:
		return "", errors.Wrap(ErrUnsupportedDriver, driver)
	}
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

func (b *Backend) applyMigrations(ctx context.Context) error {
	if b.dialectName == dialectSQLite {
		// WAL improves write concurrency.
		if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return errors.Wrap(err, "enable WAL")
		}
	}

	if _, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return errors.Wrap(err, "create meta table")
	}

	var current string
	err := b.db.GetContext(ctx, &current, b.db.Rebind(`SELECT value FROM meta WHERE key = ?`), "schema_version:"+b.table)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "read schema version")
	}
	if v, _ := strconv.Atoi(current); v >= schemaVersion {
		return nil
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
            collection TEXT NOT NULL,
            id TEXT NOT NULL,
            data TEXT NOT NULL,
            version BIGINT NOT NULL,
            create_time BIGINT NOT NULL,
            update_time BIGINT NOT NULL,
            PRIMARY KEY (collection, id)
        );`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_collection ON %s (collection);`, b.table, b.table),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply migration")
		}
	}

	upsert, args, err := b.dialect.Insert("meta").
		Rows(goqu.Record{"key": "schema_version:" + b.table, "value": strconv.Itoa(schemaVersion)}).
		OnConflict(goqu.DoUpdate("key", goqu.Record{"value": strconv.Itoa(schemaVersion)})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Wrap(err, "build schema version upsert")
	}
	if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
		return errors.Wrap(err, "record schema version")
	}

	return errors.Wrap(tx.Commit(), "commit migration")
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

type docRow struct {
	Collection string `db:"collection"`
	ID         string `db:"id"`
	Data       string `db:"data"`
	Version    int64  `db:"version"`
	CreateTime int64  `db:"create_time"`
	UpdateTime int64  `db:"update_time"`
}

func (r docRow) snapshot() *docstore.Snapshot {
	return &docstore.Snapshot{
		Ref:        docstore.Doc(r.Collection, r.ID),
		Version:    r.Version,
		CreateTime: time.Unix(0, r.CreateTime).UTC(),
		UpdateTime: time.Unix(0, r.UpdateTime).UTC(),
		Data:       []byte(r.Data),
	}
}

func (b *Backend) selectDocs() *goqu.SelectDataset {
	return b.dialect.From(b.table).Select(colCollection, colID, colData, colVersion, colCreateTime, colUpdateTime)
}

// Load implements docstore.Backend.
func (b *Backend) Load(ctx context.Context, ref docstore.Ref) (*docstore.Snapshot, error) {
	row, found, err := b.loadRow(ctx, b.db, ref, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return &docstore.Snapshot{Ref: ref}, nil
	}

	return row.snapshot(), nil
}

// List implements docstore.Backend.
func (b *Backend) List(ctx context.Context, collection string) ([]*docstore.Snapshot, error) {
	query, args, err := b.selectDocs().
		Where(goqu.Ex{colCollection: collection}).
		Order(goqu.I(colID).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.Wrap(err, "build list query")
	}
	b.logSQL(query)

	var rows []docRow
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrapf(translate(err), "list %s", collection)
	}

	snaps := make([]*docstore.Snapshot, 0, len(rows))
	for _, row := range rows {
		snaps = append(snaps, row.snapshot())
	}

	return snaps, nil
}

func (b *Backend) loadRow(ctx context.Context, q sqlx.QueryerContext, ref docstore.Ref, forUpdate bool) (docRow, bool, error) {
	ds := b.selectDocs().Where(goqu.Ex{colCollection: ref.Collection, colID: ref.ID})
	if forUpdate && b.dialectName == dialectPostgres {
		ds = ds.ForUpdate(exp.Wait)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return docRow{}, false, errors.Wrap(err, "build select query")
	}
	b.logSQL(query)

	var row docRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docRow{}, false, nil
		}
		return docRow{}, false, errors.Wrapf(translate(err), "load %s", ref.Path())
	}

	return row, true, nil
}

func (b *Backend) logSQL(query string) {
	if b.logger != nil {
		b.logger.Debug("executed sql", "query", query)
	}
}
