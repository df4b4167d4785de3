package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"silentauth/internal/logging"
	"silentauth/internal/tracing"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	cfg        ServerConfig
	handler    Handler
	clients    map[string]*Client
	log        *logging.Logger
	startedAt  time.Time
	rejected   atomic.Uint64
	nextPingID atomic.Uint32

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// Client represents a connected client
type Client struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	Peer          *PeerCredentials
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	// Write serialization
	writeMu sync.Mutex
}

// Can reports whether the client may send a message of type t.
func (c *Client) Can(t MessageType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return requiredPermission(t) <= c.permissionLocked()
}

func (c *Client) permissionLocked() PermissionLevel {
	if !c.Authenticated {
		return 0
	}
	return c.Permission
}

// requiredPermission is the access level a request type needs. Zero means
// unauthenticated clients may send it.
func requiredPermission(t MessageType) PermissionLevel {
	switch t {
	case MsgStatusRequest:
		return 0
	case MsgChallengeStatus:
		return PermReadOnly
	default:
		return PermReadWrite
	}
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string      // Unix socket path
	SocketMode     os.FileMode // Socket file permissions
	Version        string      // Server version
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	Logger         *logging.Logger
	Tracer         *tracing.Tracer // spans per dispatched request; none when nil
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "silentauthd.sock"),
		SocketMode:     0600,
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig(filepath.Dir(c.SocketPath))
	if c.SocketMode == 0 {
		c.SocketMode = d.SocketMode
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:     cfg,
		handler: handler,
		clients: make(map[string]*Client),
		log:     cfg.Logger.WithComponent("ipc"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	// Ensure socket directory exists
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("%w: %s", ErrAddressInUse, s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.cfg.SocketPath, s.cfg.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath, "max_connections", s.cfg.MaxConnections)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server stop timed out waiting for connections")
	}

	os.Remove(s.cfg.SocketPath)
	s.log.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// RejectedConnections returns how many connections were refused at the
// connection limit.
func (s *Server) RejectedConnections() uint64 {
	return s.rejected.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.rejected.Add(1)
			s.log.Warn("connection limit reached", "max_connections", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           generateClientID(),
			conn:         conn,
			Permission:   PermReadOnly,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
		s.log.Debug("client disconnected", "client_id", client.ID)
	}()

	s.log.Debug("client connected", "client_id", client.ID)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Keep the connection alive; a dead peer fails the write.
				if s.sendPing(client) != nil {
					return
				}
				continue
			}
			s.log.Debug("read failed", "client_id", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			s.log.Error("request failed", "client_id", client.ID, "type", msg.Header.Type.String(), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, "internal error")
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	}

	if err := ValidatePayload(msg.Header.Type, msg.Payload); err != nil {
		if errors.Is(err, ErrSchemaViolation) {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		return nil, err
	}

	switch msg.Header.Type {
	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)

	default:
		if !client.Can(msg.Header.Type) {
			return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "permission denied"), nil
		}

		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
		}
		return s.dispatch(client, msg)
	}
}

// dispatch runs the handler inside an ipc.<type> span.
func (s *Server) dispatch(client *Client, msg *Message) (*Message, error) {
	ctx, span := s.cfg.Tracer.Start(s.ctx, "ipc."+msg.Header.Type.String(),
		tracing.WithSpanKind(tracing.SpanKindServer),
		tracing.WithAttributes(
			tracing.String("client_id", client.ID),
			tracing.Int("request_id", int(msg.Header.RequestID)),
		))

	resp, err := s.handler.HandleMessage(ctx, client, msg)
	if err == nil && resp != nil && resp.Header.Type == MsgError {
		var er ErrorResponse
		if Decode(resp.Payload, &er) == nil {
			span.SetAttribute("error_code", er.Code)
		}
		span.SetStatus(tracing.StatusError, "error response")
	}
	span.Finish(err)
	return resp, err
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	perm := client.permissionLocked()
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
		Permission:      perm,
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleAuthenticate grants read-write access to peers running as the
// daemon's user and read-only access otherwise.
func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}

	permission := PermReadOnly
	resp := &AuthResponse{Success: true}

	if req.Method == "peercred" {
		cred, err := GetPeerCredentials(client.conn)
		switch {
		case errors.Is(err, ErrPeerCredUnsupported):
			// The socket mode is the only access control here.
			permission = PermReadWrite
		case err != nil:
			s.log.Warn("peer credentials unavailable", "client_id", client.ID, "error", err)
			resp.Success = false
			resp.Error = "authentication failed"
		case cred.UID == os.Getuid():
			permission = PermReadWrite
			client.mu.Lock()
			client.Peer = cred
			client.mu.Unlock()
		default:
			s.log.Warn("peer is a different user", "client_id", client.ID, "uid", cred.UID, "pid", cred.PID)
			client.mu.Lock()
			client.Peer = cred
			client.mu.Unlock()
		}
	}

	if resp.Success {
		client.mu.Lock()
		client.Authenticated = true
		client.Permission = permission
		client.mu.Unlock()
		resp.Permission = permission
		s.log.Debug("client authenticated", "client_id", client.ID, "method", req.Method, "permission", int(permission))
	}

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, resp)
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) error {
	return s.sendMessage(client, NewMessage(MsgPing, s.nextPingID.Add(1)|pingIDBit, nil))
}

// pingIDBit marks server-initiated request IDs so they never collide with
// client request IDs.
const pingIDBit = 1 << 31

func generateClientID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("client-%d-%d", time.Now().UnixNano(), os.Getpid())
	}
	return "client-" + hex.EncodeToString(b[:])
}
