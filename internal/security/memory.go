//go:build unix

package security

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that is locked in memory while held and
// zeroed when destroyed. The private exponent lives in one while a key is
// loaded.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes creates a zeroed SecureBytes of the given size.
// Locking is best effort: without the privilege or RLIMIT_MEMLOCK headroom
// the buffer is still wiped on Destroy but may be swapped.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})
	return sb
}

// FromBytes copies data into a new SecureBytes and zeroes data.
func FromBytes(data []byte) *SecureBytes {
	sb := NewSecureBytes(len(data))
	copy(sb.data, data)
	Wipe(data)
	return sb
}

// Bytes returns the underlying slice. It must not be retained past Destroy.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the length of the buffer, 0 after Destroy.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Locked reports whether the buffer is currently mlocked.
func (s *SecureBytes) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Destroy wipes and unlocks the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}
	s.data = nil
}

func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}
	if err := unix.Mlock(s.data); err != nil {
		return err
	}
	s.locked = true
	return nil
}
