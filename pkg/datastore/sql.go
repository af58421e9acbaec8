package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// Dialect selects placeholder syntax and DDL.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// ParseDialect maps a configured driver name to a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("datastore: unknown driver %q (want sqlite or postgres)", driver)
	}
}

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	dialect Dialect
	now     func() time.Time
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

func (p *baseProvider) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.ExecContext(ctx, p.dialect.Rebind(query), args...)
}

func (p *baseProvider) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.QueryContext(ctx, p.dialect.Rebind(query), args...)
}

func (p *baseProvider) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.QueryRowContext(ctx, p.dialect.Rebind(query), args...)
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out transactional and non-transactional providers
// over one *sql.DB.
type ProviderFactory struct {
	DB      *sql.DB
	Dialect Dialect

	now func() time.Time
}

func (sf *ProviderFactory) clock() func() time.Time {
	if sf.now != nil {
		return sf.now
	}
	return func() time.Time { return time.Now().UTC() }
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB:      sf.DB,
			dialect: sf.Dialect,
			now:     sf.clock(),
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB:      tx,
			dialect: sf.Dialect,
			now:     sf.clock(),
		},
		tx: tx,
	}, nil
}

// Open connects to driver/dsn and runs migrations. For sqlite the DSN is a
// file path.
func Open(ctx context.Context, driver, dsn string) (*ProviderFactory, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == DialectPostgres {
		return NewPostgresProviderFactory(ctx, dsn)
	}
	return NewProviderFactory(dsn)
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}

	s := &ProviderFactory{DB: DB, Dialect: DialectSQLite}
	if err := s.Migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN sets pragmas in the DSN so every pooled connection gets them.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// busy_timeout avoids "database is locked" under concurrency
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// NewPostgresProviderFactory connects through lib/pq (Supabase, plain
// PostgreSQL) and runs migrations.
func NewPostgresProviderFactory(ctx context.Context, dsn string) (*ProviderFactory, error) {
	DB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if err := DB.PingContext(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	s := &ProviderFactory{DB: DB, Dialect: DialectPostgres}
	if err := s.Migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an already opened handle without migrating.
func NewFromDB(db *sql.DB, dialect Dialect) *ProviderFactory {
	return &ProviderFactory{DB: db, Dialect: dialect}
}

// WithClock overrides the timestamp source for created_at columns and ban
// expiry checks.
func (sf *ProviderFactory) WithClock(now func() time.Time) *ProviderFactory {
	sf.now = now
	return sf
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func parseDBTimePtr(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseDBTime(value.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
