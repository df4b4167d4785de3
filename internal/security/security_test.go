package security

import (
	"bytes"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Memory Security Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")

	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	// Should not panic on empty slice
	Wipe(nil)
	Wipe([]byte{})
	WipeInt(nil)
}

func TestWipeInt(t *testing.T) {
	x, _ := new(big.Int).SetString("123456789abcdef0123456789abcdef0123456789abcdef", 16)
	words := x.Bits()

	WipeInt(x)

	if x.Sign() != 0 {
		t.Errorf("WipeInt left value %s", x)
	}
	for i, w := range words {
		if w != 0 {
			t.Errorf("word %d was not wiped: %x", i, w)
		}
	}
}

func TestSecureBytes(t *testing.T) {
	src := []byte("private exponent bytes")
	want := append([]byte(nil), src...)

	sb := FromBytes(src)
	if !bytes.Equal(sb.Bytes(), want) {
		t.Fatalf("Bytes() = %q, want %q", sb.Bytes(), want)
	}
	if !bytes.Equal(src, make([]byte, len(src))) {
		t.Error("FromBytes did not wipe its input")
	}

	buf := sb.Bytes()
	sb.Destroy()

	if sb.Len() != 0 {
		t.Errorf("Len() after Destroy = %d, want 0", sb.Len())
	}
	if sb.Locked() {
		t.Error("still locked after Destroy")
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("byte %d survived Destroy", i)
		}
	}

	// Destroy is idempotent
	sb.Destroy()
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{[]byte{}, []byte{}, true},
		{nil, nil, true},
		{[]byte("a"), nil, false},
	}

	for _, tt := range tests {
		got := SecureCompare(tt.a, tt.b)
		if got != tt.equal {
			t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

// =============================================================================
// Derivation Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)

	a, err := DeriveKey(master, nil, []byte("a"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(master, nil, []byte("b"), 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different info produced identical keys")
	}

	if _, err := DeriveKey(master[:8], nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("short master key: err = %v, want ErrWeakKey", err)
	}
	if _, err := DeriveKey(master, nil, nil, 4); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("short output: err = %v, want ErrInvalidKeySize", err)
	}
}

func TestDeriveChallengeMessage(t *testing.T) {
	m1, err := DeriveChallengeMessage(nil, "alice", 32)
	if err != nil {
		t.Fatalf("DeriveChallengeMessage: %v", err)
	}
	m2, err := DeriveChallengeMessage(nil, "alice", 32)
	if err != nil {
		t.Fatalf("DeriveChallengeMessage: %v", err)
	}
	if len(m1) != 32 || len(m2) != 32 {
		t.Fatalf("lengths = %d, %d, want 32", len(m1), len(m2))
	}
	if bytes.Equal(m1, m2) {
		t.Error("two derivations produced the same message")
	}
}

func TestDeriveChallengeMessageBindsIdentity(t *testing.T) {
	entropy := bytes.Repeat([]byte{7}, ChallengeSecretSize)

	a, err := DeriveChallengeMessage(bytes.NewReader(entropy), "alice", 32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveChallengeMessage(bytes.NewReader(entropy), "bob", 32)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("same entropy with different identities produced the same message")
	}
}

func TestDeriveChallengeMessageShortEntropy(t *testing.T) {
	_, err := DeriveChallengeMessage(bytes.NewReader([]byte{1, 2, 3}), "alice", 32)
	if !errors.Is(err, ErrInsufficientEntropy) {
		t.Errorf("err = %v, want ErrInsufficientEntropy", err)
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPathValidator(t *testing.T) {
	v := DefaultPathValidator()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/tmp/test.txt", false},
		{"../../../etc/passwd", true},      // Path traversal
		{"/tmp/../../../etc/passwd", true}, // Path traversal
		{"/tmp/test\x00.txt", true},        // Null byte
		{"", true},                         // Empty
	}

	for _, tt := range tests {
		_, err := v.ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		identity string
		wantErr  error
	}{
		{"alice@example.com", nil},
		{"device-7f3a", nil},
		{"", ErrInvalidInput},
		{strings.Repeat("x", MaxIdentityLength+1), ErrInputTooLong},
		{"ali\x00ce", ErrNullByte},
		{"ali\nce", ErrControlCharacters},
		{string([]byte{0xff, 0xfe}), ErrInvalidUTF8},
	}

	for _, tt := range tests {
		err := ValidateIdentity(tt.identity)
		if tt.wantErr == nil && err != nil {
			t.Errorf("ValidateIdentity(%q) unexpected error: %v", tt.identity, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateIdentity(%q) error = %v, want %v", tt.identity, err, tt.wantErr)
		}
	}
}

// =============================================================================
// File Security Tests
// =============================================================================

func TestWriteSecretFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "nested", "device.key")
	data := []byte("secret data")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != PermSecretFile {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}

	got, err := ReadSecretFile(path, 1024)
	if err != nil {
		t.Fatalf("ReadSecretFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadSecretFile = %q, want %q", got, data)
	}

	// No temporary files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestReadSecretFileRejectsLooseMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loose.key")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadSecretFile(path, 0); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("err = %v, want ErrInsecurePermissions", err)
	}
}

func TestReadSecretFileSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.key")
	if err := WriteSecretFile(path, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path, 10); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	if err := EnsureSecureDir(dir); err != nil {
		t.Fatalf("EnsureSecureDir: %v", err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := EnsureSecureDir(dir); err != nil {
		t.Fatalf("EnsureSecureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != PermSecretDir {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(1, 3, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow() {
		t.Error("4th request should be denied")
	}

	now = now.Add(time.Second)
	if !rl.Allow() {
		t.Error("request after refill should be allowed")
	}
	if rl.Allow() {
		t.Error("bucket should be empty again")
	}

	rl.Reset()
	if !rl.Allow() {
		t.Error("request after Reset should be allowed")
	}
}

func TestKeyedRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	kl := NewKeyedRateLimiter(1, 2)
	kl.SetClock(func() time.Time { return now })

	if !kl.Allow("alice") || !kl.Allow("alice") {
		t.Fatal("burst for alice should be allowed")
	}
	if kl.Allow("alice") {
		t.Error("alice should be limited")
	}
	if !kl.Allow("bob") {
		t.Error("bob should have a separate bucket")
	}

	now = now.Add(time.Hour)
	if n := kl.Prune(time.Minute); n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
	if kl.Len() != 0 {
		t.Errorf("Len() = %d after prune", kl.Len())
	}
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	kl := NewKeyedRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !kl.Allow("alice") {
			t.Fatal("disabled limiter denied a request")
		}
	}

	var nilLimiter *KeyedRateLimiter
	if !nilLimiter.Allow("alice") {
		t.Error("nil limiter should allow")
	}
}

func TestDisableCoreDumps(t *testing.T) {
	if err := DisableCoreDumps(); err != nil {
		t.Skipf("setrlimit not permitted: %v", err)
	}
	if CoreDumpsEnabled() {
		t.Error("core dumps still enabled")
	}
}
