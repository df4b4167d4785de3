//go:build !unix

package security

import (
	"runtime"
	"sync"
)

// SecureBytes is a byte slice that is zeroed when destroyed. Memory
// locking is not available on this platform.
type SecureBytes struct {
	data []byte
	mu   sync.Mutex
}

// NewSecureBytes creates a zeroed SecureBytes of the given size.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, size)}
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

// Bytes returns the underlying slice.
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

// Locked always reports false.
func (s *SecureBytes) Locked() bool {
	return false
}

// Destroy wipes the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
}
