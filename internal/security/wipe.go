// Package security provides the process-level protections silentauth
// relies on around its cryptographic core.
//
// This package implements:
//   - Memory wiping for byte slices and big integers
//   - Memory locking of the private exponent while loaded
//   - HKDF-based derivation of challenge messages
//   - Token-bucket rate limiting per identity
//   - Secret file handling with strict permissions
package security

import (
	"math/big"
	"runtime"
)

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WipeInt zeroes the words backing x and sets it to 0. Copies of x made
// earlier are not affected.
func WipeInt(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	runtime.KeepAlive(words)
	x.SetInt64(0)
}

// WipeInts calls WipeInt on each argument.
func WipeInts(xs ...*big.Int) {
	for _, x := range xs {
		WipeInt(x)
	}
}
