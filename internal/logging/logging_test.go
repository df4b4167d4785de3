package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		back, err := ParseLevel(LevelString(level))
		if err != nil || back != level {
			t.Errorf("level %v did not round-trip: %v %v", level, back, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.Contains(cfg.FilePath, "silentauth") {
		t.Errorf("expected silentauth in log path, got %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{
		Level:     LevelDebug,
		Format:    format,
		Writer:    &buf,
		Component: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func TestJSONFormat(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)
	l.Info("challenge issued", "identity", "alice", "ttl", "30s")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "challenge issued" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if entry["identity"] != "alice" {
		t.Errorf("unexpected identity: %v", entry["identity"])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)
	l.Info("oops", "message", "nonce-42", "ciphertext", "abcd", "fingerprint", "SHA256:x")

	out := buf.String()
	if strings.Contains(out, "nonce-42") || strings.Contains(out, "abcd") {
		t.Errorf("sensitive value leaked: %s", out)
	}
	if !strings.Contains(out, "SHA256:x") {
		t.Errorf("fingerprint should not be redacted: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"password":          true,
		"challenge_message": true,
		"Ciphertext":        true,
		"private_exponent":  true,
		"client_secret":     true,
		"identity":          false,
		"fingerprint":       false,
		"challenge_id":      false,
		"status":            false,
	}
	for key, want := range tests {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	child := l.WithComponent("authority")

	l.SetLevel(LevelWarn)
	child.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be suppressed at warn: %s", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug should be logged after SetLevel: %s", buf.String())
	}
	if child.Level() != LevelDebug {
		t.Errorf("derived logger level = %v", child.Level())
	}
}

func TestWithRequestID(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	l.WithRequestID("req-7").Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-7") {
		t.Errorf("missing request id: %s", buf.String())
	}
}

func TestNewRequestID(t *testing.T) {
	l, _ := newBufferLogger(t, FormatText)
	a, b := l.NewRequestID(), l.NewRequestID()
	if a == b {
		t.Errorf("request ids should be unique: %s", a)
	}
	if !strings.HasPrefix(a, "test-") {
		t.Errorf("request id should carry component: %s", a)
	}
}

func TestLoggerWithContext(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRequestID(context.Background(), "ctx-1")
	if got := RequestIDFromContext(ctx); got != "ctx-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}

	l.WithContext(ctx).Info("x")
	if !strings.Contains(buf.String(), "request_id=ctx-1") {
		t.Errorf("missing request id: %s", buf.String())
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "silentauth.log")
	l, err := New(&Config{Level: LevelInfo, Format: FormatJSON, Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to file")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

// ============================================================================
// FileRotator
// ============================================================================

func TestFileRotatorRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(RotatorConfig{FilePath: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()
	r.maxBytes = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 10; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files, err := r.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if files[0] != path {
		t.Errorf("current file should be first, got %v", files)
	}
	if len(files) != 3 {
		t.Errorf("expected current file and 2 backups, got %v", files)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 64 {
		t.Errorf("current file exceeds limit: %d", info.Size())
	}
}

func TestFileRotatorCompress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	r, err := NewFileRotator(RotatorConfig{FilePath: path, Compress: true})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	r.Write([]byte("first\n"))
	if err := r.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	files, _ := r.LogFiles()
	if len(files) != 2 || !strings.HasSuffix(files[1], ".log.gz") {
		t.Fatalf("expected one gzipped backup, got %v", files)
	}

	f, err := os.Open(files[1])
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	data, _ := io.ReadAll(gz)
	if string(data) != "first\n" {
		t.Errorf("unexpected backup content %q", data)
	}
}

func TestFileRotatorDaily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.log")
	r, err := NewFileRotator(RotatorConfig{FilePath: path, Daily: true})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.opened = now

	r.Write([]byte("a\n"))
	now = now.Add(2 * time.Minute)
	r.Write([]byte("b\n"))

	files, _ := r.LogFiles()
	if len(files) != 2 {
		t.Errorf("expected rotation at day boundary, got %v", files)
	}
}

func TestFileRotatorReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.log")
	r, err := NewFileRotator(RotatorConfig{FilePath: path})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	r.Close()
	if _, err := r.Write([]byte("again\n")); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	r.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "again\n" {
		t.Errorf("unexpected content %q", data)
	}
}

// ============================================================================
// AuditLogger
// ============================================================================

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewAuditLogger(&AuditLoggerConfig{Writer: &buf, Component: "silentauthd"})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	fixed := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	ctx := ContextWithRequestID(context.Background(), "req-1")
	a.LogChallengeIssued(ctx, "alice", "ch-1", fixed.Add(30*time.Second))
	a.LogChallengeRejected(ctx, "alice", "ch-1", "mismatch")
	a.LogKeyRegistered(ctx, "bob", "SHA256:abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 events, got %d: %s", len(lines), buf.String())
	}

	var ev AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.EventType != AuditEventChallengeRejected || ev.Reason != "mismatch" || ev.Result != ResultDenied {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.RequestID != "req-1" || ev.Component != "silentauthd" || !ev.Timestamp.Equal(fixed) {
		t.Errorf("defaults not filled: %+v", ev)
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	a, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, Component: "silentauthd"})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if err := a.LogStartup(context.Background(), "1.0.0"); err != nil {
		t.Fatalf("LogStartup: %v", err)
	}
	a.Sync()
	a.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"startup"`) {
		t.Errorf("missing startup event: %s", data)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAuditLoggerWriteError(t *testing.T) {
	a, _ := NewAuditLogger(&AuditLoggerConfig{Writer: failingWriter{}})
	if err := a.LogShutdown(context.Background(), "signal"); err == nil {
		t.Error("expected write error")
	}
}

func TestNilAuditLogger(t *testing.T) {
	var a *AuditLogger
	if err := a.LogChallengeVerified(context.Background(), "alice", "ch-1"); err != nil {
		t.Errorf("nil audit logger should discard: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
