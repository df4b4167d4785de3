package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"silentauth/internal/challenge"
	"silentauth/internal/keypair"
)

const minMACKeySize = 32

// ErrIntegrity reports a public key row whose MAC does not match.
var ErrIntegrity = errors.New("store: public key integrity check failed")

var _ challenge.KeyRegistry = (*Store)(nil)

// KeyRecord is a registered device key.
type KeyRecord struct {
	Identity     string
	PublicKey    *keypair.PublicKey
	Fingerprint  string
	RegisteredAt time.Time
}

// RegisterKey implements challenge.KeyRegistry. Re-registering an
// identity replaces its key.
func (s *Store) RegisterKey(ctx context.Context, identity string, pub *keypair.PublicKey, fingerprint string) error {
	if s.db == nil {
		return ErrClosed
	}

	n := pub.N.Bytes()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public_keys (identity, n, e, fingerprint, registered_at, mac)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			n = excluded.n, e = excluded.e, fingerprint = excluded.fingerprint,
			registered_at = excluded.registered_at, mac = excluded.mac`,
		identity, n, pub.E, fingerprint, s.now().UnixNano(), s.keyMAC(identity, n, pub.E),
	)
	if err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	return nil
}

// PublicKey implements challenge.KeyRegistry.
func (s *Store) PublicKey(ctx context.Context, identity string) (*keypair.PublicKey, error) {
	rec, err := s.KeyRecord(ctx, identity)
	if err != nil {
		return nil, err
	}
	return rec.PublicKey, nil
}

// KeyRecord returns the full registration record for identity.
func (s *Store) KeyRecord(ctx context.Context, identity string) (*KeyRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT identity, n, e, fingerprint, registered_at, mac
		FROM public_keys WHERE identity = ?`, identity)
	rec, err := s.scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, challenge.ErrUnknownIdentity
		}
		return nil, err
	}
	return rec, nil
}

// DeleteKey removes the key of identity and its pending challenges.
func (s *Store) DeleteKey(ctx context.Context, identity string) error {
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM public_keys WHERE identity = ?", identity)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return challenge.ErrUnknownIdentity
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE challenges SET status = 'expired', finalized_at = ?, message = NULL
		WHERE identity = ? AND status = 'pending'`, s.now().UnixNano(), identity); err != nil {
		return fmt.Errorf("expire challenges: %w", err)
	}
	return tx.Commit()
}

// ListKeys returns every registered key ordered by identity.
func (s *Store) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, n, e, fingerprint, registered_at, mac
		FROM public_keys ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		rec, err := s.scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// VerifyKeys checks the MAC of every key row and returns the identities
// that fail. It returns nil when integrity protection is disabled.
func (s *Store) VerifyKeys(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if s.macKey == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT identity, n, e, mac FROM public_keys ORDER BY identity")
	if err != nil {
		return nil, fmt.Errorf("verify keys: %w", err)
	}
	defer rows.Close()

	var bad []string
	for rows.Next() {
		var (
			identity string
			n, mac   []byte
			e        int
		)
		if err := rows.Scan(&identity, &n, &e, &mac); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if !hmac.Equal(mac, s.keyMAC(identity, n, e)) {
			bad = append(bad, identity)
		}
	}
	return bad, rows.Err()
}

func (s *Store) scanKey(row rowScanner) (*KeyRecord, error) {
	var (
		rec          KeyRecord
		n, mac       []byte
		e            int
		registeredAt int64
	)
	if err := row.Scan(&rec.Identity, &n, &e, &rec.Fingerprint, &registeredAt, &mac); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}

	if s.macKey != nil && !hmac.Equal(mac, s.keyMAC(rec.Identity, n, e)) {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, rec.Identity)
	}

	rec.PublicKey = &keypair.PublicKey{N: new(big.Int).SetBytes(n), E: e}
	rec.RegisteredAt = fromNanos(registeredAt)
	return &rec, nil
}

// keyMAC binds identity, modulus and exponent. Fields are length-prefixed.
// It returns nil when no MAC key is configured.
func (s *Store) keyMAC(identity string, n []byte, e int) []byte {
	if s.macKey == nil {
		return nil
	}

	mac := hmac.New(sha256.New, s.macKey)
	var lenBuf [8]byte

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(identity)))
	mac.Write(lenBuf[:])
	mac.Write([]byte(identity))

	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(n)))
	mac.Write(lenBuf[:])
	mac.Write(n)

	binary.BigEndian.PutUint64(lenBuf[:], uint64(e))
	mac.Write(lenBuf[:])

	return mac.Sum(nil)
}
