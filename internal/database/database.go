package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Migrations are per dialect: identity columns and index syntax differ
// enough that sharing one file set is not worth the contortions.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// Options configures the connection pool. The pool bounds only apply to
// Postgres; SQLite performs best with a single writer connection.
type Options struct {
	Driver      string // "sqlite" | "postgres"
	DataDir     string // sqlite database directory
	URL         string // postgres DSN
	PoolMax     int
	IdleTimeout time.Duration
	MaxLifetime time.Duration
}

// DB wraps a sql.DB connection with driver-aware placeholder handling.
type DB struct {
	*sql.DB
	driver string
}

// Open opens the configured store, applies pool limits and runs any
// pending migrations.
func Open(opts Options) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch opts.Driver {
	case "", "sqlite":
		opts.Driver = "sqlite"
		if err := os.MkdirAll(opts.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dbPath := filepath.Join(opts.DataDir, "callsight.db")
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	case "postgres":
		sqlDB, err = sql.Open("pgx", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if opts.PoolMax <= 0 {
			opts.PoolMax = 20
		}
		if opts.IdleTimeout <= 0 {
			opts.IdleTimeout = 30 * time.Second
		}
		if opts.MaxLifetime <= 0 {
			opts.MaxLifetime = 30 * time.Minute
		}
		sqlDB.SetMaxOpenConns(opts.PoolMax)
		sqlDB.SetMaxIdleConns(opts.PoolMax / 2)
		sqlDB.SetConnMaxIdleTime(opts.IdleTimeout)
		sqlDB.SetConnMaxLifetime(opts.MaxLifetime)
	default:
		return nil, fmt.Errorf("unknown db driver %q", opts.Driver)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{DB: sqlDB, driver: opts.Driver}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("database opened", "driver", opts.Driver)
	return db, nil
}

// OpenMemory opens an in-memory sqlite database, used by tests.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := &DB{DB: sqlDB, driver: "sqlite"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// rebind translates `?` placeholders to `$n` for Postgres. Queries are
// written once in the sqlite style.
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate runs all pending SQL migration files in order.
func (db *DB) migrate() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	dir := "migrations/" + db.driver
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := db.QueryRow(db.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec(db.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"), version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		slog.Info("applied migration", "version", version)
	}
	return nil
}
