package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventChallengeIssued     AuditEventType = "challenge_issued"
	AuditEventChallengeVerified   AuditEventType = "challenge_verified"
	AuditEventChallengeRejected   AuditEventType = "challenge_rejected"
	AuditEventChallengeExpired    AuditEventType = "challenge_expired"
	AuditEventChallengeSuperseded AuditEventType = "challenge_superseded"
	AuditEventKeyRegistered       AuditEventType = "key_registered"
	AuditEventKeyGenerated        AuditEventType = "key_generated"
	AuditEventRateLimited         AuditEventType = "rate_limited"
	AuditEventConfigChange        AuditEventType = "config_change"
	AuditEventStartup             AuditEventType = "startup"
	AuditEventShutdown            AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent represents a security-relevant event. It never carries
// challenge messages or private key material.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   AuditEventType    `json:"event_type"`
	Component   string            `json:"component"`
	Identity    string            `json:"identity,omitempty"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	Action      string            `json:"action"`
	Result      string            `json:"result"`
	Reason      string            `json:"reason,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Error       string            `json:"error,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// Writer, when set, replaces FilePath.
	Writer io.Writer

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   DefaultLogPath("audit.log"),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "silentauthd",
	}
}

// AuditLogger writes one JSON object per line. A nil *AuditLogger
// discards events.
type AuditLogger struct {
	component string
	out       io.Writer
	rotator   *FileRotator
	now       func() time.Time
	mu        sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	a := &AuditLogger{
		component: cfg.Component,
		out:       cfg.Writer,
		now:       time.Now,
	}
	if a.out == nil {
		rotator, err := NewFileRotator(RotatorConfig{
			FilePath:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("create audit rotator: %w", err)
		}
		a.rotator = rotator
		a.out = rotator
	}
	return a, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogChallengeIssued records a new pending challenge.
func (a *AuditLogger) LogChallengeIssued(ctx context.Context, identity, challengeID string, expiresAt time.Time) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventChallengeIssued,
		Identity:    identity,
		ChallengeID: challengeID,
		Action:      "issue",
		Result:      ResultSuccess,
		Details: map[string]string{
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// LogChallengeVerified records a successful verification.
func (a *AuditLogger) LogChallengeVerified(ctx context.Context, identity, challengeID string) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventChallengeVerified,
		Identity:    identity,
		ChallengeID: challengeID,
		Action:      "verify",
		Result:      ResultSuccess,
	})
}

// LogChallengeRejected records a failed verification and its reason.
func (a *AuditLogger) LogChallengeRejected(ctx context.Context, identity, challengeID, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventChallengeRejected,
		Identity:    identity,
		ChallengeID: challengeID,
		Action:      "verify",
		Result:      ResultDenied,
		Reason:      reason,
	})
}

// LogChallengeExpired records a challenge that timed out.
func (a *AuditLogger) LogChallengeExpired(ctx context.Context, identity, challengeID string) error {
	return a.Log(ctx, AuditEvent{
		EventType:   AuditEventChallengeExpired,
		Identity:    identity,
		ChallengeID: challengeID,
		Action:      "expire",
		Result:      ResultFailure,
	})
}

// LogChallengeSuperseded records pending challenges retired by a newer one.
func (a *AuditLogger) LogChallengeSuperseded(ctx context.Context, identity string, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventChallengeSuperseded,
		Identity:  identity,
		Action:    "supersede",
		Result:    ResultSuccess,
		Details:   map[string]string{"count": fmt.Sprint(count)},
	})
}

// LogKeyRegistered records a device public key bound to an identity.
func (a *AuditLogger) LogKeyRegistered(ctx context.Context, identity, fingerprint string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyRegistered,
		Identity:  identity,
		Action:    "register",
		Result:    ResultSuccess,
		Details:   map[string]string{"fingerprint": fingerprint},
	})
}

// LogKeyGenerated records a device key generation.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, identity, fingerprint string, bits int, took time.Duration) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Identity:  identity,
		Action:    "generate",
		Result:    ResultSuccess,
		Details: map[string]string{
			"fingerprint": fingerprint,
			"bits":        fmt.Sprint(bits),
			"duration":    took.String(),
		},
	})
}

// LogRateLimited records a request refused by the rate limiter.
func (a *AuditLogger) LogRateLimited(ctx context.Context, identity, operation string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRateLimited,
		Identity:  identity,
		Action:    operation,
		Result:    ResultDenied,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Result:    ResultSuccess,
		Details: map[string]string{
			"setting":   setting,
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    ResultSuccess,
		Details:   map[string]string{"version": version},
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    ResultSuccess,
		Details:   map[string]string{"reason": reason},
	})
}

// Sync flushes the audit file, if any.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
