// Package sqlite implements every domain repository interface against a
// single local SQLite database. Grounded on the teacher's pkg/db/db.go:
// same embedded-migration-plus-cross-process-flock-lock approach via
// golang-migrate/migrate/v4 and gofrs/flock, same jmoiron/sqlx handle, same
// single-writer connection pool tuning for a local per-user SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"

	"github.com/localmcp/gateway/internal/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the single handle every repository shares; each
// domain.*Repository is implemented by a small type returned from an
// accessor on *DB (Spaces, Servers, Credentials, ...), see spaceRepo for why.
type DB struct {
	db    *sqlx.DB
	seal  *sealer
}

// Open creates the parent directory if needed, opens (creating if absent)
// the SQLite file at dbFile, runs migrations under a cross-process lock,
// and loads or generates the local encryption key used to seal credential
// values at rest.
func Open(dbFile string) (*DB, error) {
	if dbFile == "" {
		return nil, fmt.Errorf("sqlite: database file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbFile), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", "file:"+dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := runMigrations(dbFile, sqlDB, migrations, "migrations"); err != nil {
		sqlDB.Close()
		return nil, err
	}

	seal, err := loadOrCreateSealer(dbFile + ".key")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("sqlite: loading encryption key: %w", err)
	}

	return &DB{db: sqlx.NewDb(sqlDB, "sqlite"), seal: seal}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// runMigrations mirrors the teacher's migration-status reconciliation:
// lock file, fresh-database detection, dirty-state refusal, and a
// version-ahead guard against running older code against a newer schema.
func runMigrations(dbFile string, db *sql.DB, migrationsFS fs.FS, migrationsPath string) error {
	migDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("sqlite: loading migration source: %w", err)
	}
	defer migDriver.Close()

	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: creating migration driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite: creating migrator: %w", err)
	}

	lockFile := filepath.Join(filepath.Dir(dbFile), ".mcp-gateway-migration.lock")
	fileLock := flock.New(lockFile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("sqlite: acquiring migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("sqlite: timed out waiting for migration lock")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			log.Warnf("sqlite: unlocking migration lock: %v", err)
		}
	}()

	version, dirty, err := mig.Version()
	isFresh := errors.Is(err, migrate.ErrNilVersion)
	if err != nil && !isFresh {
		return fmt.Errorf("sqlite: reading migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("sqlite: database is in a dirty state at version %d, manual intervention required", version)
	}
	if !isFresh {
		if _, _, err := migDriver.ReadUp(version); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("sqlite: database version %d is ahead of this build's known migrations", version)
		} else if err != nil {
			return fmt.Errorf("sqlite: reading migration %d: %w", version, err)
		}
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return nil
}

func rowNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func txClose(tx *sqlx.Tx, errp *error) {
	if *errp == nil {
		return
	}
	if rerr := tx.Rollback(); rerr != nil {
		log.Warnf("sqlite: rolling back transaction: %v", rerr)
	}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
