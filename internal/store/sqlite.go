// Package store provides SQLite-backed persistence for silentauth: the
// registry of device public keys and the challenge table.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Challenge status changes are compare-and-set updates gated on
//     status = 'pending', so exactly one transition wins
//  3. Messages are cleared when a challenge becomes terminal
//  4. Optional HMAC over each public key row detects tampering
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Options configures Open.
type Options struct {
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// MACKey enables integrity protection of public key rows. It must be
	// at least 32 bytes.
	MACKey []byte

	// Now is the clock used for registration times.
	Now func() time.Time
}

// Store is the SQLite store. It implements challenge.Store and
// challenge.KeyRegistry.
type Store struct {
	db     *sql.DB
	macKey []byte
	now    func() time.Time
}

// Open opens or creates the database at path and applies migrations.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MACKey != nil && len(opts.MACKey) < minMACKeySize {
		return nil, fmt.Errorf("store: MAC key must be at least %d bytes", minMACKeySize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	ctx := context.Background()
	if _, err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := CheckSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		macKey: append([]byte(nil), opts.MACKey...),
		now:    opts.Now,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DB exposes the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats summarises the store contents.
type Stats struct {
	Keys     int64
	Pending  int64
	Verified int64
	Rejected int64
	Expired  int64
}

// Stats counts keys and challenges by status.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM public_keys").Scan(&st.Keys); err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM challenges GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count challenges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case "pending":
			st.Pending = n
		case "verified":
			st.Verified = n
		case "rejected":
			st.Rejected = n
		case "expired":
			st.Expired = n
		}
	}
	return &st, rows.Err()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
