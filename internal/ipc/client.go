package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"silentauth/internal/keypair"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// IPCClient is the client for communicating with the silentauth daemon
type IPCClient struct {
	mu            sync.RWMutex
	conn          net.Conn
	sessionID     string
	serverVersion string
	permission    PermissionLevel

	connected atomic.Bool
	writeMu   sync.Mutex
	done      chan struct{}

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "silentauthd.sock"),
		ClientName:     "silentauthctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &IPCClient{
		pending: make(map[uint32]chan *Message),
		config:  cfg,
	}
}

// Connect dials the daemon, performs the handshake and authenticates with
// peer credentials.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", ErrDaemonNotRunning, c.config.SocketPath)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn, c.done)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	if err := c.authenticate(ctx); err != nil {
		c.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.connected.Store(false)
	err := conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return err
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion
}

// Permission returns the access level granted by the server.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

func (c *IPCClient) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(ctx, MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.serverVersion = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) authenticate(ctx context.Context) error {
	req := &AuthRequest{
		Method: "peercred",
		PID:    os.Getpid(),
	}

	var resp AuthResponse
	if err := c.call(ctx, MsgAuthenticate, req, MsgAuthResponse, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Error)
	}

	c.mu.Lock()
	c.permission = resp.Permission
	c.mu.Unlock()
	return nil
}

// call sends a request and decodes a response of type want into out. A nil
// payload sends an empty body; a nil out discards the response body.
func (c *IPCClient) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: er.Code, Message: er.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1) &^ pingIDBit
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(conn, msg); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *IPCClient) write(conn net.Conn, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// readLoop routes responses to waiting requests and answers server pings.
func (c *IPCClient) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	defer c.failPending()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.connected.Store(false)
			return
		}

		if msg.Header.Type == MsgPing && msg.Header.RequestID&pingIDBit != 0 {
			c.write(conn, NewMessage(MsgPong, msg.Header.RequestID, nil))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		if ok {
			delete(c.pending, msg.Header.RequestID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- msg
		}
	}
}

func (c *IPCClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Ping measures a round trip to the daemon.
func (c *IPCClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.call(ctx, MsgPing, nil, MsgPong, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Status returns daemon status, optionally with a metrics snapshot.
func (c *IPCClient) Status(ctx context.Context, includeMetrics bool) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, &StatusRequest{IncludeMetrics: includeMetrics}, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterKey binds pub to identity on the daemon.
func (c *IPCClient) RegisterKey(ctx context.Context, identity string, pub *keypair.PublicKey) (*RegisterKeyResponse, error) {
	req := &RegisterKeyRequest{
		Identity:  identity,
		PublicKey: keypair.EncodePublic(pub),
	}
	var resp RegisterKeyResponse
	if err := c.call(ctx, MsgRegisterKey, req, MsgRegisterKeyResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestChallenge asks the daemon to issue a challenge for identity.
func (c *IPCClient) RequestChallenge(ctx context.Context, identity string) (*RequestChallengeResponse, error) {
	var resp RequestChallengeResponse
	if err := c.call(ctx, MsgRequestChallenge, &RequestChallengeRequest{Identity: identity}, MsgRequestChallengeResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitResponse submits the decrypted message for a challenge.
func (c *IPCClient) SubmitResponse(ctx context.Context, challengeID string, response []byte) (*SubmitResponseResponse, error) {
	req := &SubmitResponseRequest{ChallengeID: challengeID, Response: response}
	var resp SubmitResponseResponse
	if err := c.call(ctx, MsgSubmitResponse, req, MsgSubmitResponseResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChallengeStatus queries the status of a challenge.
func (c *IPCClient) ChallengeStatus(ctx context.Context, challengeID string) (*ChallengeStatusResponse, error) {
	var resp ChallengeStatusResponse
	if err := c.call(ctx, MsgChallengeStatus, &ChallengeStatusRequest{ChallengeID: challengeID}, MsgChallengeStatusResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
