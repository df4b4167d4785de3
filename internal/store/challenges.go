package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"silentauth/internal/challenge"
)

var _ challenge.Store = (*Store)(nil)

// Create implements challenge.Store.
func (s *Store) Create(ctx context.Context, c *challenge.Challenge) error {
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (public_id, identity, message, ciphertext, created_at, expires_at, status, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PublicID, c.Identity, c.Message, c.Ciphertext,
		c.CreatedAt.UnixNano(), c.ExpiresAt.UnixNano(), string(c.Status), nullTime(c.FinalizedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return challenge.ErrDuplicateID
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// Get implements challenge.Store.
func (s *Store) Get(ctx context.Context, publicID string) (*challenge.Challenge, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT public_id, identity, message, ciphertext, created_at, expires_at, status, finalized_at
		FROM challenges WHERE public_id = ?`, publicID)

	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, challenge.ErrNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*challenge.Challenge, error) {
	var (
		c                    challenge.Challenge
		status               string
		createdAt, expiresAt int64
		finalizedAt          sql.NullInt64
	)
	if err := row.Scan(&c.PublicID, &c.Identity, &c.Message, &c.Ciphertext,
		&createdAt, &expiresAt, &status, &finalizedAt); err != nil {
		return nil, err
	}

	st, err := challenge.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	c.Status = st
	c.CreatedAt = fromNanos(createdAt)
	c.ExpiresAt = fromNanos(expiresAt)
	if finalizedAt.Valid {
		c.FinalizedAt = fromNanos(finalizedAt.Int64)
	}
	return &c, nil
}

// Transition implements challenge.Store with a single conditional UPDATE.
func (s *Store) Transition(ctx context.Context, publicID string, from, to challenge.Status, at time.Time) error {
	if s.db == nil {
		return ErrClosed
	}
	if from.Terminal() || !to.Valid() || !to.Terminal() {
		return challenge.ErrInvalidStatus
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET status = ?, finalized_at = ?, message = NULL
		WHERE public_id = ? AND status = ?`,
		string(to), at.UnixNano(), publicID, string(from))
	if err != nil {
		return fmt.Errorf("transition challenge: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition challenge: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM challenges WHERE public_id = ?", publicID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("transition challenge: %w", err)
	}
	return challenge.ErrConflict
}

// ExpirePending implements challenge.Store.
func (s *Store) ExpirePending(ctx context.Context, identity string, at time.Time) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE challenges SET status = 'expired', finalized_at = ?, message = NULL
		WHERE identity = ? AND status = 'pending'`,
		at.UnixNano(), identity)
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	return int(n), nil
}

// Sweep implements challenge.Store in one transaction.
func (s *Store) Sweep(ctx context.Context, now, purgeBefore time.Time) (challenge.SweepResult, error) {
	var res challenge.SweepResult
	if s.db == nil {
		return res, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT public_id, identity, NULL, ciphertext, created_at, expires_at, status, finalized_at
		FROM challenges WHERE status = 'pending' AND expires_at < ?`, now.UnixNano())
	if err != nil {
		return res, fmt.Errorf("select overdue: %w", err)
	}
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			rows.Close()
			return res, fmt.Errorf("scan overdue: %w", err)
		}
		c.Status = challenge.StatusExpired
		c.FinalizedAt = now.UTC()
		res.Expired = append(res.Expired, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, fmt.Errorf("scan overdue: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		UPDATE challenges SET status = 'expired', finalized_at = ?, message = NULL
		WHERE status = 'pending' AND expires_at < ?`,
		now.UnixNano(), now.UnixNano()); err != nil {
		return res, fmt.Errorf("expire overdue: %w", err)
	}

	del, err := tx.ExecContext(ctx, `
		DELETE FROM challenges WHERE status != 'pending' AND finalized_at < ?`,
		purgeBefore.UnixNano())
	if err != nil {
		return res, fmt.Errorf("purge final: %w", err)
	}
	purged, err := del.RowsAffected()
	if err != nil {
		return res, fmt.Errorf("purge final: %w", err)
	}
	res.Purged = int(purged)

	if err := tx.Commit(); err != nil {
		return challenge.SweepResult{}, fmt.Errorf("commit sweep: %w", err)
	}
	return res, nil
}
