package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoMigration is returned by Rollback on an empty schema.
var ErrNoMigration = errors.New("store: no migration to roll back")

// schemaStep is one versioned schema change. Statements run in order
// inside a single transaction.
type schemaStep struct {
	version int
	name    string
	up      []string
	down    []string
}

var schema = []schemaStep{
	{
		version: 1,
		name:    "public keys and challenges",
		up: []string{
			`CREATE TABLE IF NOT EXISTS public_keys (
				identity      TEXT PRIMARY KEY,
				n             BLOB NOT NULL,
				e             INTEGER NOT NULL,
				fingerprint   TEXT NOT NULL,
				registered_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS challenges (
				public_id    TEXT PRIMARY KEY,
				identity     TEXT NOT NULL,
				message      BLOB,
				ciphertext   BLOB NOT NULL,
				created_at   INTEGER NOT NULL,
				expires_at   INTEGER NOT NULL,
				status       TEXT NOT NULL CHECK (status IN ('pending', 'verified', 'rejected', 'expired')),
				finalized_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_challenges_identity ON challenges(identity, status)`,
			`CREATE INDEX IF NOT EXISTS idx_challenges_expiry ON challenges(status, expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_challenges_finalized ON challenges(finalized_at)`,
		},
		down: []string{
			`DROP TABLE IF EXISTS challenges`,
			`DROP TABLE IF EXISTS public_keys`,
		},
	},
	{
		version: 2,
		name:    "public key integrity MAC",
		up:      []string{`ALTER TABLE public_keys ADD COLUMN mac BLOB`},
		down:    []string{`ALTER TABLE public_keys DROP COLUMN mac`},
	},
}

// requiredTables must exist once every step has been applied.
var requiredTables = []string{"public_keys", "challenges", "schema_migrations"}

func latestVersion() int {
	return schema[len(schema)-1].version
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied step, or 0 for a fresh file.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT
	)`); err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}

	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies every step newer than the current schema version and
// returns how many ran.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, step := range schema {
		if step.version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range step.up {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				step.version, time.Now().UnixNano(), step.name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", step.version, step.name, err)
		}
		applied++
	}
	return applied, nil
}

// Rollback reverts the most recent step.
func Rollback(ctx context.Context, db *sql.DB) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNoMigration
	}

	for _, step := range schema {
		if step.version != current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			for _, stmt := range step.down {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", step.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("roll back migration %d: %w", step.version, err)
		}
		return nil
	}
	return fmt.Errorf("store: schema version %d is newer than this build", current)
}

// MigrationStatus compares the database with the steps this build knows.
type MigrationStatus struct {
	Current int
	Latest  int
	Pending []string
}

// Status reports the schema version and the names of unapplied steps.
func Status(ctx context.Context, db *sql.DB) (*MigrationStatus, error) {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	st := &MigrationStatus{Current: current, Latest: latestVersion()}
	for _, step := range schema {
		if step.version > current {
			st.Pending = append(st.Pending, step.name)
		}
	}
	return st, nil
}

// CheckSchema verifies that every table the store queries exists.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("store: missing table %s", table)
		}
	}
	return nil
}
