package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"silentauth/internal/challenge"
	"silentauth/internal/keypair"
	"silentauth/internal/metrics"
	"silentauth/internal/security"
	"silentauth/internal/store"
)

// StatsProvider reports storage counters for status responses.
// *store.Store implements it.
type StatsProvider interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// AuthHandler implements Handler on top of a challenge authority.
type AuthHandler struct {
	authority *challenge.Authority
	stats     StatsProvider
	registry  *metrics.Registry
	storage   string
	version   string
	startedAt time.Time
}

// AuthHandlerConfig configures the daemon handler
type AuthHandlerConfig struct {
	Authority *challenge.Authority
	Stats     StatsProvider     // optional
	Metrics   *metrics.Registry // optional
	Storage   string
	Version   string
}

// NewAuthHandler creates a new daemon handler
func NewAuthHandler(cfg AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		authority: cfg.Authority,
		stats:     cfg.Stats,
		registry:  cfg.Metrics,
		storage:   cfg.Storage,
		version:   cfg.Version,
		startedAt: time.Now(),
	}
}

// HandleMessage processes an IPC message
func (h *AuthHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)

	case MsgRegisterKey:
		return h.handleRegisterKey(ctx, msg)

	case MsgRequestChallenge:
		return h.handleRequestChallenge(ctx, msg)

	case MsgSubmitResponse:
		return h.handleSubmitResponse(ctx, msg)

	case MsgChallengeStatus:
		return h.handleChallengeStatus(ctx, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

func (h *AuthHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	resp := &StatusResponse{
		Version:      h.version,
		Uptime:       time.Since(h.startedAt),
		StartedAt:    h.startedAt,
		Storage:      h.storage,
		ChallengeTTL: h.authority.TTL(),
	}

	if h.stats != nil {
		st, err := h.stats.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage stats: %w", err)
		}
		resp.Keys = st.Keys
		resp.Pending = st.Pending
	}

	if req.IncludeMetrics && h.registry != nil {
		resp.Metrics = h.registry.Snapshot()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *AuthHandler) handleRegisterKey(ctx context.Context, msg *Message) (*Message, error) {
	var req RegisterKeyRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if err := security.ValidateIdentity(req.Identity); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	pub, err := keypair.DecodePublic(req.PublicKey)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidKey, err.Error()), nil
	}

	fp, err := h.authority.RegisterKey(ctx, req.Identity, pub)
	if err != nil {
		if errors.Is(err, keypair.ErrInvalidPublicKey) {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidKey, err.Error()), nil
		}
		return nil, err
	}

	return NewResponse(MsgRegisterKeyResp, msg.Header.RequestID, &RegisterKeyResponse{
		Identity:    req.Identity,
		Fingerprint: fp,
	})
}

func (h *AuthHandler) handleRequestChallenge(ctx context.Context, msg *Message) (*Message, error) {
	var req RequestChallengeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if err := security.ValidateIdentity(req.Identity); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	issued, err := h.authority.IssueDerived(ctx, req.Identity)
	switch {
	case errors.Is(err, challenge.ErrUnknownIdentity):
		return NewErrorMessage(msg.Header.RequestID, ErrUnknownIdentity, "no key registered for identity"), nil
	case errors.Is(err, security.ErrRateLimited):
		return NewErrorMessage(msg.Header.RequestID, ErrRateLimited, "too many challenge requests"), nil
	case err != nil:
		return nil, err
	}

	return NewResponse(MsgRequestChallengeResp, msg.Header.RequestID, &RequestChallengeResponse{
		ChallengeID: issued.PublicID,
		Ciphertext:  issued.Ciphertext,
		ExpiresAt:   issued.ExpiresAt,
	})
}

// handleSubmitResponse reports verification failures in the response body
// rather than as protocol errors; only store failures become errors.
func (h *AuthHandler) handleSubmitResponse(ctx context.Context, msg *Message) (*Message, error) {
	var req SubmitResponseRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	err := h.authority.Verify(ctx, req.ChallengeID, req.Response)
	if errors.Is(err, challenge.ErrResponseTooLong) {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "response too long"), nil
	}
	reason := challenge.Reason(err)
	if reason == "internal" {
		return nil, err
	}

	return NewResponse(MsgSubmitResponseResp, msg.Header.RequestID, &SubmitResponseResponse{
		Verified: err == nil,
		Reason:   reason,
	})
}

func (h *AuthHandler) handleChallengeStatus(ctx context.Context, msg *Message) (*Message, error) {
	var req ChallengeStatusRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	status, expiresAt, err := h.authority.Status(ctx, req.ChallengeID)
	switch {
	case errors.Is(err, challenge.ErrNotFound):
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "challenge not found"), nil
	case err != nil:
		return nil, err
	}

	return NewResponse(MsgChallengeStatusResp, msg.Header.RequestID, &ChallengeStatusResponse{
		ChallengeID: req.ChallengeID,
		Status:      string(status),
		ExpiresAt:   expiresAt,
	})
}
