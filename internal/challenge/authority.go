package challenge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"silentauth/internal/bignum"
	"silentauth/internal/keypair"
	"silentauth/internal/logging"
	"silentauth/internal/metrics"
	"silentauth/internal/oaep"
	"silentauth/internal/security"
	"silentauth/internal/tracing"
)

const (
	// DefaultTTL is how long a challenge stays answerable.
	DefaultTTL = 60 * time.Second

	// DefaultRetention is how long terminal challenges are kept for audit.
	DefaultRetention = 24 * time.Hour

	// DefaultMessageSize is the length of messages picked by IssueDerived.
	DefaultMessageSize = 32

	publicIDSize = 32
)

// Issued is what the device receives for a new challenge.
type Issued struct {
	PublicID   string
	Ciphertext []byte
	ExpiresAt  time.Time
}

// Authority issues and verifies challenges.
type Authority struct {
	store   Store
	keys    KeyRegistry
	now     func() time.Time
	rand    io.Reader
	arith   bignum.Arithmetic
	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.AuthMetrics
	limiter *security.KeyedRateLimiter
	tracer  *tracing.Tracer

	ttl         atomic.Int64
	retention   atomic.Int64
	messageSize int

	// issueMu keeps supersede-then-create atomic per authority.
	issueMu sync.Mutex
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithRand sets the randomness source for public IDs, OAEP seeds and
// derived messages.
func WithRand(r io.Reader) Option {
	return func(a *Authority) {
		a.rand = r
	}
}

// WithTTL sets the challenge lifetime.
func WithTTL(d time.Duration) Option {
	return func(a *Authority) {
		a.ttl.Store(int64(d))
	}
}

// WithRetention sets how long terminal challenges are kept before Sweep
// purges them.
func WithRetention(d time.Duration) Option {
	return func(a *Authority) {
		a.retention.Store(int64(d))
	}
}

// WithMessageSize sets the length of messages picked by IssueDerived.
func WithMessageSize(n int) Option {
	return func(a *Authority) {
		a.messageSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Authority) {
		a.log = l
	}
}

// WithAudit sets the audit logger.
func WithAudit(al *logging.AuditLogger) Option {
	return func(a *Authority) {
		a.audit = al
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.AuthMetrics) Option {
	return func(a *Authority) {
		a.metrics = m
	}
}

// WithRateLimiter limits challenge issuance per identity.
func WithRateLimiter(l *security.KeyedRateLimiter) Option {
	return func(a *Authority) {
		a.limiter = l
	}
}

// WithTracer records challenge.issue and challenge.verify spans.
func WithTracer(t *tracing.Tracer) Option {
	return func(a *Authority) {
		a.tracer = t
	}
}

// NewAuthority creates an Authority over store and keys.
func NewAuthority(store Store, keys KeyRegistry, opts ...Option) *Authority {
	a := &Authority{
		store:       store,
		keys:        keys,
		now:         time.Now,
		arith:       bignum.Variable{},
		messageSize: DefaultMessageSize,
	}
	a.ttl.Store(int64(DefaultTTL))
	a.retention.Store(int64(DefaultRetention))

	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logging.Default()
	}
	a.log = a.log.WithComponent("challenge")
	return a
}

// TTL returns the current challenge lifetime.
func (a *Authority) TTL() time.Duration {
	return time.Duration(a.ttl.Load())
}

// SetTTL changes the lifetime of challenges issued from now on.
func (a *Authority) SetTTL(d time.Duration) {
	a.ttl.Store(int64(d))
}

// SetRetention changes the retention of terminal challenges.
func (a *Authority) SetRetention(d time.Duration) {
	a.retention.Store(int64(d))
}

// RegisterKey validates pub and binds it to identity. It returns the key's
// fingerprint.
func (a *Authority) RegisterKey(ctx context.Context, identity string, pub *keypair.PublicKey) (string, error) {
	if err := security.ValidateIdentity(identity); err != nil {
		return "", err
	}
	if err := pub.Validate(); err != nil {
		return "", err
	}
	if _, err := oaep.NewCodec(pub.Size(), nil); err != nil {
		return "", fmt.Errorf("%w: %v", keypair.ErrInvalidPublicKey, err)
	}

	fp, err := keypair.Fingerprint(pub)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	if err := a.keys.RegisterKey(ctx, identity, pub, fp); err != nil {
		return "", fmt.Errorf("register key: %w", err)
	}

	a.log.WithContext(ctx).Info("key registered", "identity", identity, "fingerprint", fp, "bits", pub.N.BitLen())
	a.audit.LogKeyRegistered(ctx, identity, fp)
	a.metrics.Registered()
	return fp, nil
}

// Issue creates a challenge for identity whose secret is m. The caller is
// responsible for m being unpredictable; IssueDerived picks one.
// Any earlier pending challenge for identity is expired.
func (a *Authority) Issue(ctx context.Context, identity string, m []byte) (*Issued, error) {
	ctx, span := a.tracer.Start(ctx, "challenge.issue", tracing.WithAttributes(
		tracing.String("identity", identity),
	))
	issued, err := a.issue(ctx, span, identity, m)
	if issued != nil {
		span.SetAttribute("challenge_id", issued.PublicID)
	}
	span.Finish(err)
	return issued, err
}

func (a *Authority) issue(ctx context.Context, span *tracing.Span, identity string, m []byte) (*Issued, error) {
	if err := security.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrEmptyMessage
	}

	pub, err := a.keys.PublicKey(ctx, identity)
	if err != nil {
		return nil, err
	}

	if !a.limiter.Allow(identity) {
		a.log.WithContext(ctx).Warn("challenge rate limited", "identity", identity)
		a.audit.LogRateLimited(ctx, identity, "issue")
		a.metrics.Limited()
		return nil, security.ErrRateLimited
	}

	c, err := a.encrypt(pub, m)
	if err != nil {
		return nil, err
	}

	id, err := a.newPublicID()
	if err != nil {
		return nil, err
	}

	a.issueMu.Lock()
	defer a.issueMu.Unlock()

	now := a.now()
	superseded, err := a.store.ExpirePending(ctx, identity, now)
	if err != nil {
		return nil, fmt.Errorf("supersede pending: %w", err)
	}
	if superseded > 0 {
		span.AddEvent("superseded", tracing.Int("count", superseded))
		a.log.WithContext(ctx).Debug("pending challenges superseded", "identity", identity, "count", superseded)
		a.audit.LogChallengeSuperseded(ctx, identity, superseded)
		a.metrics.Superseded(superseded)
	}

	ch := &Challenge{
		PublicID:   id,
		Identity:   identity,
		Message:    m,
		Ciphertext: c,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.TTL()),
		Status:     StatusPending,
	}
	if err := a.store.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	a.log.WithContext(ctx).Info("challenge issued", "identity", identity, "challenge_id", id, "expires_at", ch.ExpiresAt)
	a.audit.LogChallengeIssued(ctx, identity, id, ch.ExpiresAt)
	a.metrics.Issued()

	return &Issued{PublicID: id, Ciphertext: c, ExpiresAt: ch.ExpiresAt}, nil
}

// IssueDerived issues a challenge with a fresh message derived from the
// authority's random source. Its length defaults to DefaultMessageSize.
func (a *Authority) IssueDerived(ctx context.Context, identity string) (*Issued, error) {
	m, err := security.DeriveChallengeMessage(a.rand, identity, a.messageSize)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(m)
	return a.Issue(ctx, identity, m)
}

// encrypt computes OAEPEncode(m)^e mod n as a Size()-byte string.
func (a *Authority) encrypt(pub *keypair.PublicKey, m []byte) ([]byte, error) {
	codec, err := oaep.NewCodec(pub.Size(), a.rand)
	if err != nil {
		return nil, err
	}
	em, err := codec.Encode(m)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(em)

	x := new(big.Int).SetBytes(em)
	defer security.WipeInt(x)

	c, err := a.arith.ModExp(x, big.NewInt(int64(pub.E)), pub.N)
	if err != nil {
		return nil, err
	}
	return c.FillBytes(make([]byte, pub.Size())), nil
}

func (a *Authority) newPublicID() (string, error) {
	b := make([]byte, publicIDSize)
	if err := security.GenerateSecureRandom(a.rand, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Verify checks a device's answer to a challenge. It returns nil on success
// or one of ErrNotFound, ErrExpired, ErrAlreadyFinal and ErrMismatch. The
// checks run in that order; the comparison is constant time.
//
// A candidate longer than any message the challenge's key can carry fails
// with ErrResponseTooLong and leaves the challenge pending.
func (a *Authority) Verify(ctx context.Context, publicID string, candidate []byte) error {
	ctx, span := a.tracer.Start(ctx, "challenge.verify", tracing.WithAttributes(
		tracing.String("challenge_id", publicID),
	))
	err := a.verify(ctx, publicID, candidate)
	if reason := Reason(err); reason != "" {
		span.SetAttribute("reason", reason)
	}
	span.Finish(err)
	return err
}

func (a *Authority) verify(ctx context.Context, publicID string, candidate []byte) error {
	start := time.Now()
	ch, err := a.store.Get(ctx, publicID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return a.rejected(ctx, nil, publicID, ErrNotFound, start)
		}
		return fmt.Errorf("load challenge: %w", err)
	}
	defer security.Wipe(ch.Message)

	now := a.now()
	if ch.Status == StatusExpired || now.After(ch.ExpiresAt) {
		if ch.Status == StatusPending {
			if err := a.expire(ctx, ch, now); err != nil {
				return err
			}
		}
		return a.rejected(ctx, ch, publicID, ErrExpired, start)
	}
	if ch.Status.Terminal() {
		return a.rejected(ctx, ch, publicID, ErrAlreadyFinal, start)
	}

	if limit := oaep.MaxMessageLen(len(ch.Ciphertext)); len(candidate) > limit {
		a.log.WithContext(ctx).Info("oversized response ignored",
			"identity", ch.Identity, "challenge_id", publicID, "size", len(candidate), "max", limit)
		return fmt.Errorf("%w: %d > %d bytes", ErrResponseTooLong, len(candidate), limit)
	}

	to := StatusRejected
	if security.SecureCompare(candidate, ch.Message) {
		to = StatusVerified
	}

	if err := a.store.Transition(ctx, publicID, StatusPending, to, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return a.rejected(ctx, ch, publicID, a.lostRace(ctx, publicID), start)
		}
		return fmt.Errorf("finalize challenge: %w", err)
	}

	if to == StatusRejected {
		return a.rejected(ctx, ch, publicID, ErrMismatch, start)
	}

	a.log.WithContext(ctx).Info("challenge verified", "identity", ch.Identity, "challenge_id", publicID)
	a.audit.LogChallengeVerified(ctx, ch.Identity, publicID)
	a.metrics.Verified(time.Since(start))
	return nil
}

// expire moves a pending challenge observed past its deadline to Expired.
// Losing that race to another transition is not an error.
func (a *Authority) expire(ctx context.Context, ch *Challenge, now time.Time) error {
	err := a.store.Transition(ctx, ch.PublicID, StatusPending, StatusExpired, now)
	switch {
	case err == nil:
		a.audit.LogChallengeExpired(ctx, ch.Identity, ch.PublicID)
		a.metrics.Expired(1)
		return nil
	case errors.Is(err, ErrConflict):
		return nil
	default:
		return fmt.Errorf("expire challenge: %w", err)
	}
}

// lostRace reports the outcome for a verification that lost the
// transition to a concurrent one.
func (a *Authority) lostRace(ctx context.Context, publicID string) error {
	cur, err := a.store.Get(ctx, publicID)
	if err == nil && cur.Status == StatusExpired {
		return ErrExpired
	}
	return ErrAlreadyFinal
}

func (a *Authority) rejected(ctx context.Context, ch *Challenge, publicID string, outcome error, start time.Time) error {
	identity := ""
	if ch != nil {
		identity = ch.Identity
	}
	reason := Reason(outcome)

	a.log.WithContext(ctx).Info("challenge rejected", "identity", identity, "challenge_id", publicID, "reason", reason)
	a.audit.LogChallengeRejected(ctx, identity, publicID, reason)
	a.metrics.Rejected(reason, time.Since(start))
	return outcome
}

// Status returns the current status of a challenge. A pending challenge
// past its deadline reports StatusExpired.
func (a *Authority) Status(ctx context.Context, publicID string) (Status, time.Time, error) {
	ch, err := a.store.Get(ctx, publicID)
	if err != nil {
		return "", time.Time{}, err
	}
	security.Wipe(ch.Message)

	if ch.Status == StatusPending && a.now().After(ch.ExpiresAt) {
		return StatusExpired, ch.ExpiresAt, nil
	}
	return ch.Status, ch.ExpiresAt, nil
}

// Sweep expires overdue pending challenges and purges terminal ones older
// than the retention window.
func (a *Authority) Sweep(ctx context.Context) (SweepResult, error) {
	now := a.now()
	res, err := a.store.Sweep(ctx, now, now.Add(-time.Duration(a.retention.Load())))
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}

	for _, ch := range res.Expired {
		a.audit.LogChallengeExpired(ctx, ch.Identity, ch.PublicID)
	}
	a.metrics.Expired(len(res.Expired))
	if len(res.Expired) > 0 || res.Purged > 0 {
		a.log.WithContext(ctx).Debug("challenge sweep", "expired", len(res.Expired), "purged", res.Purged)
	}
	return res, nil
}
