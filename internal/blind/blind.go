// Package blind decrypts challenges on the device with RSA blinding.
//
// The ciphertext is multiplied by r^e for a fresh random r before the
// private exponent is applied, and the result is multiplied by r^-1
// afterwards. The secret exponentiation therefore never sees an input the
// caller chose, and runs on the constant-time backend.
package blind

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"silentauth/internal/bignum"
	"silentauth/internal/keypair"
	"silentauth/internal/oaep"
	"silentauth/internal/security"
)

// maxBlindAttempts bounds the search for an invertible blinding factor.
// For an RSA modulus the first draw fails with probability about 2^-(k/2).
const maxBlindAttempts = 64

// ErrClosed is returned after Close.
var ErrClosed = errors.New("blind: engine closed")

// Engine holds a device key and decrypts challenges addressed to it.
type Engine struct {
	mu    sync.Mutex
	n     *big.Int
	e     *big.Int
	d     *security.SecureBytes // big-endian, Size() bytes
	k     int
	codec *oaep.Codec
	arith bignum.Arithmetic
	rand  io.Reader
}

// NewEngine copies kp's private exponent into locked memory. The caller
// may wipe kp afterwards. A nil random selects crypto/rand.Reader.
func NewEngine(kp *keypair.KeyPair, random io.Reader) (*Engine, error) {
	k := kp.Size()
	codec, err := oaep.NewCodec(k, random)
	if err != nil {
		return nil, err
	}

	return &Engine{
		n:     new(big.Int).Set(kp.N),
		e:     big.NewInt(int64(kp.E)),
		d:     security.FromBytes(kp.D.FillBytes(make([]byte, k))),
		k:     k,
		codec: codec,
		arith: bignum.ConstantTime{},
		rand:  random,
	}, nil
}

// PublicKey returns the key the engine decrypts for.
func (e *Engine) PublicKey() *keypair.PublicKey {
	return &keypair.PublicKey{N: new(big.Int).Set(e.n), E: int(e.e.Int64())}
}

// Decrypt recovers the challenge message from a Size()-byte ciphertext.
// Malformed ciphertexts and padding failures both return oaep.ErrDecode.
func (e *Engine) Decrypt(c []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.d.Len() == 0 {
		return nil, ErrClosed
	}
	if len(c) != e.k {
		return nil, oaep.ErrDecode
	}
	ct := new(big.Int).SetBytes(c)
	if ct.Cmp(e.n) >= 0 {
		return nil, oaep.ErrDecode
	}

	for attempt := 0; attempt < maxBlindAttempts; attempt++ {
		r, err := bignum.RandomInRange(e.rand, big.NewInt(2), e.n)
		if err != nil {
			return nil, err
		}
		m, err := e.decryptBlinded(ct, r)
		security.WipeInt(r)
		if errors.Is(err, bignum.ErrNotCoprime) {
			continue
		}
		return m, err
	}
	return nil, fmt.Errorf("blind: no invertible blinding factor after %d attempts", maxBlindAttempts)
}

// decryptBlinded computes ((r^e * c)^d * r^-1) mod n and removes the
// padding. It returns bignum.ErrNotCoprime when r has no inverse.
func (e *Engine) decryptBlinded(c, r *big.Int) ([]byte, error) {
	rInv, err := e.arith.ModInverse(r, e.n)
	if err != nil {
		return nil, err
	}
	defer security.WipeInt(rInv)

	re, err := e.arith.ModExp(r, e.e, e.n)
	if err != nil {
		return nil, err
	}
	blinded, err := e.arith.ModMul(re, c, e.n)
	if err != nil {
		return nil, err
	}
	security.WipeInt(re)

	d := new(big.Int).SetBytes(e.d.Bytes())
	rm, err := e.arith.ModExp(blinded, d, e.n)
	security.WipeInts(d, blinded)
	if err != nil {
		return nil, err
	}

	m, err := e.arith.ModMul(rm, rInv, e.n)
	security.WipeInt(rm)
	if err != nil {
		return nil, err
	}

	em := m.FillBytes(make([]byte, e.k))
	security.WipeInt(m)
	defer security.Wipe(em)

	return e.codec.Decode(em)
}

// Close wipes the private exponent.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.d.Destroy()
}
