package challenge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silentauth/internal/blind"
	"silentauth/internal/challenge"
	"silentauth/internal/challenge/challengetest"
	"silentauth/internal/keypair"
	"silentauth/internal/logging"
	"silentauth/internal/metrics"
	"silentauth/internal/oaep"
	"silentauth/internal/security"
	"silentauth/internal/tracing"
)

var (
	deviceOnce sync.Once
	deviceKey  *keypair.KeyPair
	deviceErr  error
)

func testDevice(t *testing.T) *keypair.KeyPair {
	t.Helper()
	deviceOnce.Do(func() {
		deviceKey, deviceErr = keypair.Generate(context.Background(), keypair.Options{Bits: 2048})
	})
	require.NoError(t, deviceErr)
	return deviceKey
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	auth    *challenge.Authority
	store   *challenge.MemoryStore
	clock   *clock
	engine  *blind.Engine
	metrics *metrics.AuthMetrics
	audit   *bytes.Buffer
}

func newFixture(t *testing.T, opts ...challenge.Option) *fixture {
	t.Helper()
	kp := testDevice(t)

	engine, err := blind.NewEngine(kp, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	var auditBuf bytes.Buffer
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{Writer: &auditBuf})
	require.NoError(t, err)

	logger, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: &bytes.Buffer{}})
	require.NoError(t, err)

	f := &fixture{
		store:   challenge.NewMemoryStore(),
		clock:   newClock(),
		engine:  engine,
		metrics: metrics.NewAuthMetrics(nil),
		audit:   &auditBuf,
	}

	base := []challenge.Option{
		challenge.WithClock(f.clock.Now),
		challenge.WithTTL(30 * time.Second),
		challenge.WithLogger(logger),
		challenge.WithAudit(audit),
		challenge.WithMetrics(f.metrics),
	}
	f.auth = challenge.NewAuthority(f.store, challenge.NewMemoryRegistry(), append(base, opts...)...)

	_, err = f.auth.RegisterKey(context.Background(), "alice", kp.PublicKey())
	require.NoError(t, err)
	return f
}

func (f *fixture) status(t *testing.T, id string) challenge.Status {
	t.Helper()
	st, _, err := f.auth.Status(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestScenarioSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	assert.Len(t, issued.Ciphertext, 256)
	assert.True(t, issued.ExpiresAt.Equal(f.clock.Now().Add(30*time.Second)))

	m, err := f.engine.Decrypt(issued.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("nonce-42"), m)

	require.NoError(t, f.auth.Verify(ctx, issued.PublicID, m))
	assert.Equal(t, challenge.StatusVerified, f.status(t, issued.PublicID))
	assert.Equal(t, uint64(1), f.metrics.ChallengesVerified.Value())
}

func TestScenarioReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	require.NoError(t, f.auth.Verify(ctx, issued.PublicID, []byte("nonce-42")))

	err = f.auth.Verify(ctx, issued.PublicID, []byte("nonce-42"))
	assert.ErrorIs(t, err, challenge.ErrAlreadyFinal)
	assert.Equal(t, challenge.StatusVerified, f.status(t, issued.PublicID))
}

func TestScenarioExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	err = f.auth.Verify(ctx, issued.PublicID, []byte("nonce-42"))
	assert.ErrorIs(t, err, challenge.ErrExpired)

	ch, err := f.store.Get(ctx, issued.PublicID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusExpired, ch.Status)
	assert.Equal(t, uint64(1), f.metrics.ChallengesExpired.Value())
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)

	// Exactly at expires_at is still in time.
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.auth.Verify(ctx, issued.PublicID, []byte("nonce-42")))
}

func TestScenarioMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)

	err = f.auth.Verify(ctx, issued.PublicID, []byte("wrong-value"))
	assert.ErrorIs(t, err, challenge.ErrMismatch)
	assert.Equal(t, challenge.StatusRejected, f.status(t, issued.PublicID))

	err = f.auth.Verify(ctx, issued.PublicID, []byte("nonce-42"))
	assert.ErrorIs(t, err, challenge.ErrAlreadyFinal)
	assert.Equal(t, uint64(1), f.metrics.RejectedCount("mismatch"))
	assert.Equal(t, uint64(1), f.metrics.RejectedCount("already_final"))
}

func TestVerifyNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.auth.Verify(context.Background(), "no-such-id", []byte("nonce-42"))
	assert.ErrorIs(t, err, challenge.ErrNotFound)
	assert.Equal(t, "not_found", challenge.Reason(err))
}

func TestVerifyPrefixIsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.auth.Verify(ctx, issued.PublicID, []byte("nonce-4")), challenge.ErrMismatch)
}

func TestConcurrentVerifySingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)

	const workers = 32
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := []byte("nonce-42")
			if i%3 == 0 {
				candidate = []byte("wrong-value")
			}
			results[i] = f.auth.Verify(ctx, issued.PublicID, candidate)
		}(i)
	}
	wg.Wait()

	var winners []error
	for _, err := range results {
		if err == nil || errors.Is(err, challenge.ErrMismatch) {
			winners = append(winners, err)
			continue
		}
		assert.ErrorIs(t, err, challenge.ErrAlreadyFinal)
	}
	require.Len(t, winners, 1)

	want := challenge.StatusVerified
	if winners[0] != nil {
		want = challenge.StatusRejected
	}
	assert.Equal(t, want, f.status(t, issued.PublicID))
}

func TestIssueSupersedesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.auth.Issue(ctx, "alice", []byte("first"))
	require.NoError(t, err)
	second, err := f.auth.Issue(ctx, "alice", []byte("second"))
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicID, second.PublicID)

	assert.ErrorIs(t, f.auth.Verify(ctx, first.PublicID, []byte("first")), challenge.ErrExpired)
	require.NoError(t, f.auth.Verify(ctx, second.PublicID, []byte("second")))
	assert.Equal(t, uint64(1), f.metrics.ChallengesSuperseded.Value())
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Issue(ctx, "mallory", []byte("nonce-42"))
	assert.ErrorIs(t, err, challenge.ErrUnknownIdentity)

	_, err = f.auth.Issue(ctx, "alice", nil)
	assert.ErrorIs(t, err, challenge.ErrEmptyMessage)

	_, err = f.auth.Issue(ctx, "", []byte("nonce-42"))
	assert.ErrorIs(t, err, security.ErrInvalidInput)

	// 2048-bit key: k - 2*64 - 2 = 126 bytes.
	_, err = f.auth.Issue(ctx, "alice", bytes.Repeat([]byte{'a'}, 127))
	assert.ErrorIs(t, err, oaep.ErrMessageTooLong)

	issued, err := f.auth.Issue(ctx, "alice", bytes.Repeat([]byte{'a'}, 126))
	require.NoError(t, err)
	m, err := f.engine.Decrypt(issued.Ciphertext)
	require.NoError(t, err)
	assert.Len(t, m, 126)
}

func TestIssueDerived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.IssueDerived(ctx, "alice")
	require.NoError(t, err)

	m, err := f.engine.Decrypt(issued.Ciphertext)
	require.NoError(t, err)
	assert.Len(t, m, challenge.DefaultMessageSize)
	require.NoError(t, f.auth.Verify(ctx, issued.PublicID, m))
}

func TestCiphertextRandomized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	b, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestTamperedCiphertextFailsOnDevice(t *testing.T) {
	f := newFixture(t)
	issued, err := f.auth.Issue(context.Background(), "alice", []byte("nonce-42"))
	require.NoError(t, err)

	issued.Ciphertext[len(issued.Ciphertext)/2] ^= 0x80
	_, err = f.engine.Decrypt(issued.Ciphertext)
	assert.ErrorIs(t, err, oaep.ErrDecode)
}

func TestIssueRateLimited(t *testing.T) {
	limiter := security.NewKeyedRateLimiter(0.001, 2)
	f := newFixture(t, challenge.WithRateLimiter(limiter))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
		require.NoError(t, err)
	}
	_, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	assert.ErrorIs(t, err, security.ErrRateLimited)
	assert.Equal(t, uint64(1), f.metrics.RateLimited.Value())
}

func TestUnknownIdentityKeepsRateBudget(t *testing.T) {
	limiter := security.NewKeyedRateLimiter(0.001, 2)
	f := newFixture(t, challenge.WithRateLimiter(limiter))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.auth.Issue(ctx, "mallory", []byte("nonce-42"))
		assert.ErrorIs(t, err, challenge.ErrUnknownIdentity)
	}
	assert.Equal(t, uint64(0), f.metrics.RateLimited.Value())

	_, err := f.auth.RegisterKey(ctx, "mallory", testDevice(t).PublicKey())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.auth.Issue(ctx, "mallory", []byte("nonce-42"))
		require.NoError(t, err)
	}
}

func TestOversizedResponseLeavesChallengePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)

	limit := oaep.MaxMessageLen(len(issued.Ciphertext))
	err = f.auth.Verify(ctx, issued.PublicID, make([]byte, limit+1))
	assert.ErrorIs(t, err, challenge.ErrResponseTooLong)
	assert.Equal(t, challenge.StatusPending, f.status(t, issued.PublicID))
	assert.Equal(t, uint64(0), f.metrics.RejectedCount("mismatch"))

	err = f.auth.Verify(ctx, issued.PublicID, make([]byte, limit))
	assert.ErrorIs(t, err, challenge.ErrMismatch)
	assert.Equal(t, challenge.StatusRejected, f.status(t, issued.PublicID))
}

func TestTracedIssueAndVerify(t *testing.T) {
	rec := &tracing.Recorder{}
	tr := tracing.NewTracer(tracing.TracerConfig{Exporter: rec})
	f := newFixture(t, challenge.WithTracer(tr))
	ctx := context.Background()

	first, err := f.auth.Issue(ctx, "alice", []byte("first"))
	require.NoError(t, err)
	second, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	require.NoError(t, f.auth.Verify(ctx, second.PublicID, []byte("nonce-42")))
	require.Error(t, f.auth.Verify(ctx, first.PublicID, []byte("first")))

	issues := rec.Named("challenge.issue")
	require.Len(t, issues, 2)
	assert.Equal(t, "alice", issues[0].Attributes["identity"])
	assert.Equal(t, first.PublicID, issues[0].Attributes["challenge_id"])
	require.Len(t, issues[1].Events, 1)
	assert.Equal(t, "superseded", issues[1].Events[0].Name)

	verifies := rec.Named("challenge.verify")
	require.Len(t, verifies, 2)
	assert.Equal(t, "ok", verifies[0].Status)
	assert.Nil(t, verifies[0].Attributes["reason"])
	assert.Equal(t, "error", verifies[1].Status)
	assert.Equal(t, "expired", verifies[1].Attributes["reason"])

	for _, span := range rec.Spans() {
		assert.NotContains(t, span.Attributes, "message")
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t, challenge.WithRetention(time.Hour))
	ctx := context.Background()

	done, err := f.auth.Issue(ctx, "alice", []byte("done"))
	require.NoError(t, err)
	require.NoError(t, f.auth.Verify(ctx, done.PublicID, []byte("done")))

	_, err = f.auth.RegisterKey(ctx, "bob", testDevice(t).PublicKey())
	require.NoError(t, err)
	overdue, err := f.auth.Issue(ctx, "bob", []byte("late"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.auth.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, overdue.PublicID, res.Expired[0].PublicID)
	assert.Zero(t, res.Purged)

	f.clock.Advance(2 * time.Hour)
	res, err = f.auth.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Purged)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, int64(0), f.metrics.PendingChallenges.Value())
}

func TestStatusReportsOverdueAsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusPending, f.status(t, issued.PublicID))

	f.clock.Advance(time.Minute)
	assert.Equal(t, challenge.StatusExpired, f.status(t, issued.PublicID))

	_, _, err = f.auth.Status(ctx, "missing")
	assert.ErrorIs(t, err, challenge.ErrNotFound)
}

func TestSetTTL(t *testing.T) {
	f := newFixture(t)
	f.auth.SetTTL(5 * time.Second)
	assert.Equal(t, 5*time.Second, f.auth.TTL())

	issued, err := f.auth.Issue(context.Background(), "alice", []byte("nonce-42"))
	require.NoError(t, err)
	assert.True(t, issued.ExpiresAt.Equal(f.clock.Now().Add(5*time.Second)))
}

func TestRegisterKeyRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	small, err := keypair.Generate(ctx, keypair.Options{Bits: 1024})
	require.NoError(t, err)
	_, err = f.auth.RegisterKey(ctx, "carol", small.PublicKey())
	assert.ErrorIs(t, err, keypair.ErrInvalidPublicKey)

	_, err = f.auth.RegisterKey(ctx, "bad\x00name", testDevice(t).PublicKey())
	assert.Error(t, err)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.auth.Issue(ctx, "alice", []byte("nonce-42"))
	require.NoError(t, err)
	require.Error(t, f.auth.Verify(ctx, issued.PublicID, []byte("nope")))

	var types []logging.AuditEventType
	for _, line := range strings.Split(strings.TrimSpace(f.audit.String()), "\n") {
		var ev logging.AuditEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []logging.AuditEventType{
		logging.AuditEventKeyRegistered,
		logging.AuditEventChallengeIssued,
		logging.AuditEventChallengeRejected,
	}, types)
	assert.NotContains(t, f.audit.String(), "nonce-42")
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", challenge.Reason(nil))
	assert.Equal(t, "expired", challenge.Reason(challenge.ErrExpired))
	assert.Equal(t, "already_final", challenge.Reason(challenge.ErrAlreadyFinal))
	assert.Equal(t, "mismatch", challenge.Reason(challenge.ErrMismatch))
	assert.Equal(t, "internal", challenge.Reason(assert.AnError))
}

func TestParseStatus(t *testing.T) {
	for _, s := range []challenge.Status{challenge.StatusPending, challenge.StatusVerified, challenge.StatusRejected, challenge.StatusExpired} {
		got, err := challenge.ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := challenge.ParseStatus("consumed")
	assert.Error(t, err)
	assert.False(t, challenge.StatusPending.Terminal())
	assert.True(t, challenge.StatusExpired.Terminal())
}

func TestMemoryStore(t *testing.T) {
	challengetest.RunStoreTests(t, func(t *testing.T) challenge.Store {
		return challenge.NewMemoryStore()
	})
}
