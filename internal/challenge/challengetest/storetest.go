// Package challengetest checks challenge.Store implementations against the
// behaviour the Authority relies on.
package challengetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silentauth/internal/challenge"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// NewChallenge returns a pending challenge created at base time.
func NewChallenge(id, identity string) *challenge.Challenge {
	return &challenge.Challenge{
		PublicID:   id,
		Identity:   identity,
		Message:    []byte("nonce-42"),
		Ciphertext: []byte{0x01, 0x02, 0x03},
		CreatedAt:  base,
		ExpiresAt:  base.Add(time.Minute),
		Status:     challenge.StatusPending,
	}
}

// RunStoreTests runs the conformance suite against stores produced by
// newStore. Each subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) challenge.Store) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		in := NewChallenge("id-1", "alice")
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, "id-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Identity)
		assert.Equal(t, []byte("nonce-42"), got.Message)
		assert.Equal(t, in.Ciphertext, got.Ciphertext)
		assert.Equal(t, challenge.StatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(in.CreatedAt))
		assert.True(t, got.ExpiresAt.Equal(in.ExpiresAt))
		assert.True(t, got.FinalizedAt.IsZero())

		// Mutating the returned copy does not reach the store.
		got.Message[0] = 'X'
		again, err := s.Get(ctx, "id-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("nonce-42"), again.Message)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, challenge.ErrNotFound)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewChallenge("dup", "alice")))
		assert.ErrorIs(t, s.Create(ctx, NewChallenge("dup", "bob")), challenge.ErrDuplicateID)
	})

	t.Run("Transition", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewChallenge("t", "alice")))

		at := base.Add(10 * time.Second)
		require.NoError(t, s.Transition(ctx, "t", challenge.StatusPending, challenge.StatusVerified, at))

		got, err := s.Get(ctx, "t")
		require.NoError(t, err)
		assert.Equal(t, challenge.StatusVerified, got.Status)
		assert.True(t, got.FinalizedAt.Equal(at))
		assert.Empty(t, got.Message, "message is dropped once final")

		err = s.Transition(ctx, "t", challenge.StatusPending, challenge.StatusRejected, at)
		assert.ErrorIs(t, err, challenge.ErrConflict)

		err = s.Transition(ctx, "missing", challenge.StatusPending, challenge.StatusRejected, at)
		assert.ErrorIs(t, err, challenge.ErrNotFound)
	})

	t.Run("TransitionRejectsNonTerminalTarget", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewChallenge("t", "alice")))
		err := s.Transition(ctx, "t", challenge.StatusPending, challenge.StatusPending, base)
		assert.ErrorIs(t, err, challenge.ErrInvalidStatus)
		err = s.Transition(ctx, "t", challenge.StatusVerified, challenge.StatusRejected, base)
		assert.ErrorIs(t, err, challenge.ErrInvalidStatus)
	})

	t.Run("ConcurrentTransitionSingleWinner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewChallenge("race", "alice")))

		const workers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				to := challenge.StatusVerified
				if i%2 == 1 {
					to = challenge.StatusRejected
				}
				err := s.Transition(ctx, "race", challenge.StatusPending, to, base)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, challenge.ErrConflict)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ExpirePending", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewChallenge("a1", "alice")))
		require.NoError(t, s.Create(ctx, NewChallenge("a2", "alice")))
		require.NoError(t, s.Create(ctx, NewChallenge("b1", "bob")))
		require.NoError(t, s.Transition(ctx, "a2", challenge.StatusPending, challenge.StatusVerified, base))

		n, err := s.ExpirePending(ctx, "alice", base.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		a1, _ := s.Get(ctx, "a1")
		a2, _ := s.Get(ctx, "a2")
		b1, _ := s.Get(ctx, "b1")
		assert.Equal(t, challenge.StatusExpired, a1.Status)
		assert.Equal(t, challenge.StatusVerified, a2.Status)
		assert.Equal(t, challenge.StatusPending, b1.Status)

		n, err = s.ExpirePending(ctx, "nobody", base)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Sweep", func(t *testing.T) {
		s := newStore(t)

		overdue := NewChallenge("overdue", "alice")
		require.NoError(t, s.Create(ctx, overdue))

		fresh := NewChallenge("fresh", "bob")
		fresh.ExpiresAt = base.Add(time.Hour)
		require.NoError(t, s.Create(ctx, fresh))

		require.NoError(t, s.Create(ctx, NewChallenge("old", "carol")))
		require.NoError(t, s.Transition(ctx, "old", challenge.StatusPending, challenge.StatusVerified, base))

		require.NoError(t, s.Create(ctx, NewChallenge("recent", "dave")))
		require.NoError(t, s.Transition(ctx, "recent", challenge.StatusPending, challenge.StatusRejected, base.Add(5*time.Minute)))

		now := base.Add(10 * time.Minute)
		res, err := s.Sweep(ctx, now, base.Add(time.Minute))
		require.NoError(t, err)

		require.Len(t, res.Expired, 1)
		assert.Equal(t, "overdue", res.Expired[0].PublicID)
		assert.Equal(t, "alice", res.Expired[0].Identity)
		assert.Equal(t, 1, res.Purged)

		got, err := s.Get(ctx, "overdue")
		require.NoError(t, err)
		assert.Equal(t, challenge.StatusExpired, got.Status)
		assert.True(t, got.FinalizedAt.Equal(now))

		_, err = s.Get(ctx, "old")
		assert.ErrorIs(t, err, challenge.ErrNotFound)
		_, err = s.Get(ctx, "recent")
		assert.NoError(t, err)
		got, err = s.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, challenge.StatusPending, got.Status)
	})

	t.Run("ManyChallenges", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 50; i++ {
			require.NoError(t, s.Create(ctx, NewChallenge(fmt.Sprintf("id-%d", i), "alice")))
		}
		n, err := s.ExpirePending(ctx, "alice", base)
		require.NoError(t, err)
		assert.Equal(t, 50, n)
	})
}
