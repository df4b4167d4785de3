// Package oaep implements OAEP padding over SHA-512 with MGF1 masks.
//
// Only padding is handled here. RSA exponentiation lives with the callers
// (challenge issuance on the server, blinded decryption on the device).
package oaep

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HashLen is the SHA-512 output length in bytes.
const HashLen = sha512.Size

// maxMaskLen is the largest MGF1 output: HashLen * 2^32.
const maxMaskLen = HashLen << 32

// Padding errors
var (
	ErrMaskTooLong    = errors.New("oaep: mask too long")
	ErrMessageTooLong = errors.New("oaep: message too long")
	ErrBlockTooSmall  = errors.New("oaep: block size too small")
	ErrDecode         = errors.New("oaep: decoding error")
)

// LabelHash is SHA-512 of the empty label.
var LabelHash = func() []byte {
	h := sha512.Sum512(nil)
	return h[:]
}()

// MGF1 expands seed into a mask of length n.
func MGF1(seed []byte, n int) ([]byte, error) {
	if n < 0 || uint64(n) > maxMaskLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMaskTooLong, n)
	}
	out := make([]byte, 0, n+HashLen)
	var counter [4]byte
	h := sha512.New()
	for c := uint32(0); len(out) < n; c++ {
		binary.BigEndian.PutUint32(counter[:], c)
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		out = h.Sum(out)
	}
	return out[:n], nil
}

// mgf1XOR xors dst with MGF1(seed, len(dst)).
func mgf1XOR(dst, seed []byte) {
	mask, err := MGF1(seed, len(dst))
	if err != nil {
		// dst is bounded by the block size, far below the MGF1 limit.
		panic(err)
	}
	subtle.XORBytes(dst, dst, mask)
	clear(mask)
}

// Codec pads messages into blocks of K bytes, the byte length of an RSA
// modulus.
type Codec struct {
	K    int
	Rand io.Reader
}

// NewCodec returns a Codec for k-byte blocks. A nil random selects
// crypto/rand.Reader.
func NewCodec(k int, random io.Reader) (*Codec, error) {
	if k < 2*HashLen+2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooSmall, k)
	}
	return &Codec{K: k, Rand: random}, nil
}

// MaxMessageLen is the longest message Encode accepts: K - 2*HashLen - 2.
func (c *Codec) MaxMessageLen() int {
	return MaxMessageLen(c.K)
}

// MaxMessageLen is the longest message a k-byte block carries. It is
// negative when k is too small for any message.
func MaxMessageLen(k int) int {
	return k - 2*HashLen - 2
}

// Encode pads m into a K-byte block 0x00 || maskedSeed || maskedDB.
func (c *Codec) Encode(m []byte) ([]byte, error) {
	psLen := c.MaxMessageLen() - len(m)
	if psLen < 0 {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLong, len(m), c.MaxMessageLen())
	}

	em := make([]byte, c.K)
	seed := em[1 : 1+HashLen]
	db := em[1+HashLen:]

	// DB = LabelHash || PS || 0x01 || M
	copy(db, LabelHash)
	db[HashLen+psLen] = 0x01
	copy(db[HashLen+psLen+1:], m)

	random := c.Rand
	if random == nil {
		random = rand.Reader
	}
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}

	mgf1XOR(db, seed)
	mgf1XOR(seed, db)
	return em, nil
}

// Decode reverses Encode. Every failure returns ErrDecode; the padding is
// validated without branching on its contents.
func (c *Codec) Decode(em []byte) ([]byte, error) {
	if len(em) != c.K || c.K < 2*HashLen+2 {
		return nil, ErrDecode
	}

	buf := make([]byte, len(em))
	copy(buf, em)

	firstByteIsZero := subtle.ConstantTimeByteEq(buf[0], 0)
	seed := buf[1 : 1+HashLen]
	db := buf[1+HashLen:]

	mgf1XOR(seed, db)
	mgf1XOR(db, seed)

	labelGood := subtle.ConstantTimeCompare(LabelHash, db[:HashLen])

	// After the label hash: zero or more 0x00, then 0x01, then the message.
	//   looking: 1 while the 0x01 delimiter has not been seen
	//   index:   offset of the delimiter
	//   invalid: 1 if a non-zero byte preceded the delimiter
	var looking, index, invalid int
	looking = 1
	rest := db[HashLen:]
	for i := 0; i < len(rest); i++ {
		is0 := subtle.ConstantTimeByteEq(rest[i], 0)
		is1 := subtle.ConstantTimeByteEq(rest[i], 1)
		index = subtle.ConstantTimeSelect(looking&is1, i, index)
		looking = subtle.ConstantTimeSelect(is1, 0, looking)
		invalid = subtle.ConstantTimeSelect(looking&^is0, 1, invalid)
	}

	if firstByteIsZero&labelGood&^invalid&^looking != 1 {
		clear(buf)
		return nil, ErrDecode
	}

	m := make([]byte, len(rest)-index-1)
	copy(m, rest[index+1:])
	clear(buf)
	return m, nil
}
