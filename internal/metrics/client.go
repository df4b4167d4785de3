package metrics

import "time"

// ClientMetrics covers the device side: key generation and challenge
// decryption. A nil *ClientMetrics records nothing.
type ClientMetrics struct {
	registry *Registry

	KeygenDuration  *Histogram
	DecryptDuration *Histogram
	DecodeFailures  *Counter
	LoginsRejected  *Counter
}

// NewClientMetrics registers the device metrics in registry.
func NewClientMetrics(registry *Registry) *ClientMetrics {
	if registry == nil {
		registry = NewRegistry("silentauth", "client")
	}

	return &ClientMetrics{
		registry: registry,
		KeygenDuration: registry.RegisterHistogram(
			"keygen_duration_seconds", "Time to generate a device key", nil, KeygenBuckets),
		DecryptDuration: registry.RegisterHistogram(
			"decrypt_duration_seconds", "Time to decrypt a challenge", nil, DurationBuckets),
		DecodeFailures: registry.RegisterCounter(
			"decode_failures_total", "Challenges whose ciphertext failed to decode", nil),
		LoginsRejected: registry.RegisterCounter(
			"logins_rejected_total", "Responses the daemon refused", nil),
	}
}

// Registry returns the registry the metrics live in.
func (m *ClientMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// KeyGenerated records the time a key generation took.
func (m *ClientMetrics) KeyGenerated(d time.Duration) {
	if m == nil {
		return
	}
	m.KeygenDuration.ObserveDuration(d)
}

// Decrypted records a successful challenge decryption.
func (m *ClientMetrics) Decrypted(d time.Duration) {
	if m == nil {
		return
	}
	m.DecryptDuration.ObserveDuration(d)
}

// DecodeFailed counts a ciphertext that did not decode under the device key.
func (m *ClientMetrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// Rejected counts a response the daemon did not accept.
func (m *ClientMetrics) Rejected() {
	if m == nil {
		return
	}
	m.LoginsRejected.Inc()
}
