package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

var (
	// ErrAddressInUse is returned by Start when another daemon already
	// listens on the socket.
	ErrAddressInUse = errors.New("ipc: socket already in use")

	// ErrPeerCredUnsupported is returned by GetPeerCredentials on platforms
	// that cannot report the peer of a Unix socket.
	ErrPeerCredUnsupported = errors.New("ipc: peer credentials not supported on this platform")
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeerIsCurrentUser checks if the peer is running as the current user
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&(os.ModeSocket|os.ModeIrregular) != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func rawControl(conn net.Conn, fn func(fd uintptr)) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("not a unix connection")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("get raw conn: %w", err)
	}
	if err := rawConn.Control(fn); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}
