package metrics

import "time"

// Rejection reasons used as the "reason" label.
var rejectReasons = []string{"not_found", "expired", "already_final", "mismatch"}

// AuthMetrics holds the challenge authority's metrics. A nil *AuthMetrics
// records nothing.
type AuthMetrics struct {
	registry *Registry

	ChallengesIssued     *Counter
	ChallengesVerified   *Counter
	ChallengesExpired    *Counter
	ChallengesSuperseded *Counter
	KeysRegistered       *Counter
	RateLimited          *Counter
	PendingChallenges    *Gauge
	UptimeSeconds        *Gauge

	VerifyDuration *Histogram

	rejected map[string]*Counter
	start    time.Time
}

// NewAuthMetrics registers the authority metrics in registry.
func NewAuthMetrics(registry *Registry) *AuthMetrics {
	if registry == nil {
		registry = NewRegistry("silentauth", "")
	}

	m := &AuthMetrics{
		registry: registry,
		ChallengesIssued: registry.RegisterCounter(
			"challenges_issued_total", "Challenges issued", nil),
		ChallengesVerified: registry.RegisterCounter(
			"challenges_verified_total", "Challenges answered correctly", nil),
		ChallengesExpired: registry.RegisterCounter(
			"challenges_expired_total", "Challenges that timed out", nil),
		ChallengesSuperseded: registry.RegisterCounter(
			"challenges_superseded_total", "Pending challenges retired by a newer challenge", nil),
		KeysRegistered: registry.RegisterCounter(
			"keys_registered_total", "Device public keys registered", nil),
		RateLimited: registry.RegisterCounter(
			"rate_limited_total", "Requests refused by the rate limiter", nil),
		PendingChallenges: registry.RegisterGauge(
			"pending_challenges", "Challenges awaiting a response", nil),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds", "Seconds since the metrics were created", nil),
		VerifyDuration: registry.RegisterHistogram(
			"verify_duration_seconds", "Time to verify a response", nil, DurationBuckets),
		rejected: make(map[string]*Counter, len(rejectReasons)),
		start:    time.Now(),
	}

	for _, reason := range rejectReasons {
		m.rejected[reason] = registry.RegisterCounter(
			"challenges_rejected_total", "Responses rejected, by reason", Labels{"reason": reason})
	}
	return m
}

// Registry returns the registry the metrics live in.
func (m *AuthMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Issued counts a new challenge.
func (m *AuthMetrics) Issued() {
	if m == nil {
		return
	}
	m.ChallengesIssued.Inc()
	m.PendingChallenges.Inc()
}

// Verified counts a successful verification that took d.
func (m *AuthMetrics) Verified(d time.Duration) {
	if m == nil {
		return
	}
	m.ChallengesVerified.Inc()
	m.PendingChallenges.Dec()
	m.VerifyDuration.ObserveDuration(d)
}

// Rejected counts a failed verification. A mismatch also consumes the
// pending challenge.
func (m *AuthMetrics) Rejected(reason string, d time.Duration) {
	if m == nil {
		return
	}
	c, ok := m.rejected[reason]
	if !ok {
		c = m.registry.RegisterCounter(
			"challenges_rejected_total", "Responses rejected, by reason", Labels{"reason": reason})
	}
	c.Inc()
	if reason == "mismatch" {
		m.PendingChallenges.Dec()
	}
	m.VerifyDuration.ObserveDuration(d)
}

// Expired counts n challenges moved to expired.
func (m *AuthMetrics) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChallengesExpired.Add(uint64(n))
	m.PendingChallenges.Add(-int64(n))
}

// Superseded counts n pending challenges retired by a newer one.
func (m *AuthMetrics) Superseded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChallengesSuperseded.Add(uint64(n))
	m.PendingChallenges.Add(-int64(n))
}

// Registered counts a key registration.
func (m *AuthMetrics) Registered() {
	if m == nil {
		return
	}
	m.KeysRegistered.Inc()
}

// Limited counts a rate limited request.
func (m *AuthMetrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RejectedCount returns the rejection count for reason.
func (m *AuthMetrics) RejectedCount(reason string) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.rejected[reason]; ok {
		return c.Value()
	}
	return 0
}

// UpdateUptime refreshes the uptime gauge.
func (m *AuthMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}
