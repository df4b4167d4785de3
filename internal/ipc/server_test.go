package ipc

import (
	"bytes"
	"context"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silentauth/internal/blind"
	"silentauth/internal/challenge"
	"silentauth/internal/keypair"
	"silentauth/internal/logging"
	"silentauth/internal/metrics"
	"silentauth/internal/security"
	"silentauth/internal/store"
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

type fakeStats struct{ stats store.Stats }

func (f fakeStats) Stats(context.Context) (*store.Stats, error) {
	st := f.stats
	return &st, nil
}

type testDaemon struct {
	server    *Server
	authority *challenge.Authority
	registry  *metrics.Registry
	socket    string
}

type daemonOptions struct {
	server    func(*ServerConfig)
	authority []challenge.Option
	stats     StatsProvider
}

// socketDir keeps socket paths short; t.TempDir can exceed sun_path.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sa-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(&logging.Config{Level: logging.LevelDebug, Writer: &bytes.Buffer{}})
	require.NoError(t, err)
	return l
}

func startDaemon(t *testing.T, opts daemonOptions) *testDaemon {
	t.Helper()

	logger := quietLogger(t)
	registry := metrics.NewRegistry("silentauth", "")
	authOpts := append([]challenge.Option{
		challenge.WithLogger(logger),
		challenge.WithMetrics(metrics.NewAuthMetrics(registry)),
	}, opts.authority...)
	authority := challenge.NewAuthority(challenge.NewMemoryStore(), challenge.NewMemoryRegistry(), authOpts...)

	cfg := DefaultServerConfig(socketDir(t))
	cfg.Logger = logger
	if opts.server != nil {
		opts.server(&cfg)
	}

	handler := NewAuthHandler(AuthHandlerConfig{
		Authority: authority,
		Stats:     opts.stats,
		Metrics:   registry,
		Storage:   "memory",
		Version:   "test",
	})

	srv, err := NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &testDaemon{server: srv, authority: authority, registry: registry, socket: cfg.SocketPath}
}

func (d *testDaemon) connect(t *testing.T) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(filepath.Dir(d.socket))
	cfg.SocketPath = d.socket
	cfg.RequestTimeout = 5 * time.Second

	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func (d *testDaemon) dialRaw(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msgType MessageType, payload string) *Message {
	t.Helper()
	require.NoError(t, NewMessage(msgType, 7, []byte(payload)).Write(conn))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := ReadMessage(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), msg.Header.RequestID)
	return msg
}

func errorCode(t *testing.T, msg *Message) int {
	t.Helper()
	require.Equal(t, MsgError, msg.Header.Type)
	var er ErrorResponse
	require.NoError(t, Decode(msg.Payload, &er))
	return er.Code
}

func TestConnectHandshake(t *testing.T) {
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "1.0.0", c.ServerVersion())
	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, PermReadWrite, c.Permission())

	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	assert.Eventually(t, func() bool { return d.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestChallengeFlow(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)
	kp := testDevice(t)

	reg, err := c.RegisterKey(ctx, "alice@laptop", kp.PublicKey())
	require.NoError(t, err)
	fp, err := keypair.Fingerprint(kp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, "alice@laptop", reg.Identity)
	assert.Equal(t, fp, reg.Fingerprint)

	issued, err := c.RequestChallenge(ctx, "alice@laptop")
	require.NoError(t, err)
	assert.Len(t, issued.Ciphertext, kp.Size())
	assert.True(t, issued.ExpiresAt.After(time.Now()))

	engine, err := blind.NewEngine(kp, nil)
	require.NoError(t, err)
	defer engine.Close()

	m, err := engine.Decrypt(issued.Ciphertext)
	require.NoError(t, err)
	assert.Len(t, m, challenge.DefaultMessageSize)

	res, err := c.SubmitResponse(ctx, issued.ChallengeID, m)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Empty(t, res.Reason)

	again, err := c.SubmitResponse(ctx, issued.ChallengeID, m)
	require.NoError(t, err)
	assert.False(t, again.Verified)
	assert.Equal(t, "already_final", again.Reason)

	st, err := c.ChallengeStatus(ctx, issued.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusVerified), st.Status)
	assert.Equal(t, issued.ChallengeID, st.ChallengeID)
}

func TestSubmitMismatch(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)

	_, err := c.RegisterKey(ctx, "bob", testDevice(t).PublicKey())
	require.NoError(t, err)

	issued, err := c.RequestChallenge(ctx, "bob")
	require.NoError(t, err)

	res, err := c.SubmitResponse(ctx, issued.ChallengeID, []byte("not the message"))
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, "mismatch", res.Reason)

	st, err := c.ChallengeStatus(ctx, issued.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusRejected), st.Status)
}

func TestOversizedResponseLeavesChallengePending(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)
	kp := testDevice(t)

	_, err := c.RegisterKey(ctx, "bob", kp.PublicKey())
	require.NoError(t, err)
	issued, err := c.RequestChallenge(ctx, "bob")
	require.NoError(t, err)

	_, err = c.SubmitResponse(ctx, issued.ChallengeID, make([]byte, 3000))
	assert.True(t, IsRemoteCode(err, ErrInvalidRequest), "got %v", err)

	st, err := c.ChallengeStatus(ctx, issued.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusPending), st.Status)

	engine, err := blind.NewEngine(kp, nil)
	require.NoError(t, err)
	defer engine.Close()
	m, err := engine.Decrypt(issued.Ciphertext)
	require.NoError(t, err)

	res, err := c.SubmitResponse(ctx, issued.ChallengeID, m)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestRequestsTraced(t *testing.T) {
	ctx := context.Background()
	rec := &tracing.Recorder{}
	tr := tracing.NewTracer(tracing.TracerConfig{ServiceName: "silentauthd", Exporter: rec})
	d := startDaemon(t, daemonOptions{
		server:    func(cfg *ServerConfig) { cfg.Tracer = tr },
		authority: []challenge.Option{challenge.WithTracer(tr)},
	})
	c := d.connect(t)

	_, err := c.RegisterKey(ctx, "frank", testDevice(t).PublicKey())
	require.NoError(t, err)
	issued, err := c.RequestChallenge(ctx, "frank")
	require.NoError(t, err)
	_, err = c.RequestChallenge(ctx, "nobody")
	require.Error(t, err)

	requests := rec.Named("ipc.request_challenge")
	require.Len(t, requests, 2)
	assert.Equal(t, "server", requests[0].Kind)
	assert.Equal(t, "ok", requests[0].Status)
	assert.Equal(t, "error", requests[1].Status)
	assert.Equal(t, ErrUnknownIdentity, requests[1].Attributes["error_code"])

	issues := rec.Named("challenge.issue")
	require.Len(t, issues, 2)
	assert.Equal(t, requests[0].SpanID, issues[0].ParentID)
	assert.Equal(t, requests[0].TraceID, issues[0].TraceID)
	assert.Equal(t, issued.ChallengeID, issues[0].Attributes["challenge_id"])

	assert.Len(t, rec.Named("ipc.register_key"), 1)
	assert.Empty(t, rec.Named("ipc.handshake"))
}

func TestNewChallengeSupersedesPending(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)

	_, err := c.RegisterKey(ctx, "carol", testDevice(t).PublicKey())
	require.NoError(t, err)

	first, err := c.RequestChallenge(ctx, "carol")
	require.NoError(t, err)
	second, err := c.RequestChallenge(ctx, "carol")
	require.NoError(t, err)
	assert.NotEqual(t, first.ChallengeID, second.ChallengeID)

	st, err := c.ChallengeStatus(ctx, first.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusExpired), st.Status)

	st, err = c.ChallengeStatus(ctx, second.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, string(challenge.StatusPending), st.Status)
}

func TestRemoteErrors(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)

	_, err := c.RequestChallenge(ctx, "nobody")
	assert.True(t, IsRemoteCode(err, ErrUnknownIdentity), "got %v", err)

	_, err = c.ChallengeStatus(ctx, "missing")
	assert.True(t, IsRemoteCode(err, ErrNotFound), "got %v", err)

	res, err := c.SubmitResponse(ctx, "missing", []byte{1})
	require.NoError(t, err)
	assert.Equal(t, "not_found", res.Reason)

	// 1024-bit modulus leaves no room for SHA-512 OAEP.
	small := &keypair.PublicKey{N: new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 1023), big.NewInt(1)), E: 65537}
	_, err = c.RegisterKey(ctx, "dave", small)
	assert.True(t, IsRemoteCode(err, ErrInvalidKey), "got %v", err)

	evenE := &keypair.PublicKey{N: testDevice(t).N, E: 4}
	_, err = c.RegisterKey(ctx, "dave", evenE)
	assert.True(t, IsRemoteCode(err, ErrInvalidKey), "got %v", err)

	_, err = c.RegisterKey(ctx, "bad\x01identity", testDevice(t).PublicKey())
	assert.True(t, IsRemoteCode(err, ErrInvalidRequest), "got %v", err)
}

func TestRateLimitedChallenges(t *testing.T) {
	ctx := context.Background()
	limiter := security.NewKeyedRateLimiter(0.001, 1)
	d := startDaemon(t, daemonOptions{authority: []challenge.Option{challenge.WithRateLimiter(limiter)}})
	c := d.connect(t)

	_, err := c.RegisterKey(ctx, "erin", testDevice(t).PublicKey())
	require.NoError(t, err)

	_, err = c.RequestChallenge(ctx, "erin")
	require.NoError(t, err)

	_, err = c.RequestChallenge(ctx, "erin")
	assert.True(t, IsRemoteCode(err, ErrRateLimited), "got %v", err)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, daemonOptions{stats: fakeStats{store.Stats{Keys: 3, Pending: 1}}})
	c := d.connect(t)

	st, err := c.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "memory", st.Storage)
	assert.Equal(t, int64(3), st.Keys)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, challenge.DefaultTTL, st.ChallengeTTL)
	assert.Nil(t, st.Metrics)

	_, err = c.RegisterKey(ctx, "frank", testDevice(t).PublicKey())
	require.NoError(t, err)

	st, err = c.Status(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, st.Metrics)
	assert.Equal(t, 1.0, st.Metrics["silentauth_keys_registered_total"])
}

func TestUnauthenticatedAccess(t *testing.T) {
	d := startDaemon(t, daemonOptions{})
	conn := d.dialRaw(t)

	msg := roundTrip(t, conn, MsgStatusRequest, `{}`)
	assert.Equal(t, MsgStatusResponse, msg.Header.Type)

	msg = roundTrip(t, conn, MsgRequestChallenge, `{"identity":"alice"}`)
	assert.Equal(t, ErrPermissionDenied, errorCode(t, msg))

	msg = roundTrip(t, conn, MsgChallengeStatus, `{"challenge_id":"abc"}`)
	assert.Equal(t, ErrPermissionDenied, errorCode(t, msg))

	// Method "none" grants read-only access.
	msg = roundTrip(t, conn, MsgAuthenticate, `{"method":"none"}`)
	require.Equal(t, MsgAuthResponse, msg.Header.Type)
	var auth AuthResponse
	require.NoError(t, Decode(msg.Payload, &auth))
	assert.True(t, auth.Success)
	assert.Equal(t, PermReadOnly, auth.Permission)

	msg = roundTrip(t, conn, MsgChallengeStatus, `{"challenge_id":"abc"}`)
	assert.Equal(t, ErrNotFound, errorCode(t, msg))

	msg = roundTrip(t, conn, MsgRegisterKey, `{"identity":"alice","public_key":{"n":"AQAB","e":65537}}`)
	assert.Equal(t, ErrPermissionDenied, errorCode(t, msg))
}

func TestSchemaViolationRejected(t *testing.T) {
	d := startDaemon(t, daemonOptions{})
	conn := d.dialRaw(t)

	msg := roundTrip(t, conn, MsgHandshake, `{"client_name":"raw"}`)
	assert.Equal(t, ErrInvalidRequest, errorCode(t, msg))

	msg = roundTrip(t, conn, MsgStatusRequest, `not json`)
	assert.Equal(t, ErrInvalidRequest, errorCode(t, msg))

	// The connection survives bad requests.
	msg = roundTrip(t, conn, MsgPing, ``)
	assert.Equal(t, MsgPong, msg.Header.Type)
}

func TestMaxConnections(t *testing.T) {
	d := startDaemon(t, daemonOptions{server: func(cfg *ServerConfig) { cfg.MaxConnections = 1 }})
	d.connect(t)

	conn := d.dialRaw(t)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := ReadMessage(conn)
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return d.server.RejectedConnections() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, d.server.ClientCount())
}

func TestIdleClientAnswersPings(t *testing.T) {
	d := startDaemon(t, daemonOptions{server: func(cfg *ServerConfig) { cfg.ReadTimeout = 50 * time.Millisecond }})
	c := d.connect(t)

	time.Sleep(300 * time.Millisecond)

	_, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
}

func TestSocketInUse(t *testing.T) {
	d := startDaemon(t, daemonOptions{})

	cfg := DefaultServerConfig(filepath.Dir(d.socket))
	cfg.Logger = quietLogger(t)
	other, err := NewServer(cfg, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(), ErrAddressInUse)
}

func TestStopRemovesSocket(t *testing.T) {
	d := startDaemon(t, daemonOptions{})
	c := d.connect(t)

	require.NoError(t, d.server.Stop())
	_, err := os.Stat(d.socket)
	assert.True(t, os.IsNotExist(err))

	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 10*time.Millisecond)
	_, err = c.Ping(context.Background())
	assert.Error(t, err)
}

func TestConnectWithoutDaemon(t *testing.T) {
	cfg := DefaultClientConfig(socketDir(t))
	err := NewClient(cfg).Connect(context.Background())
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestCleanupSocketRefusesRegularFile(t *testing.T) {
	path := filepath.Join(socketDir(t), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	assert.Error(t, CleanupSocket(path))
	assert.NoError(t, CleanupSocket(filepath.Join(filepath.Dir(path), "absent")))
}
