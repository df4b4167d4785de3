// Package bignum provides the arbitrary-precision integer primitives used by
// key generation, challenge encryption and blinded decryption.
//
// Two backends satisfy the Arithmetic capability:
//   - ConstantTime, built on safenum, for operations whose operands may be
//     secret (the private exponent and blinding factors)
//   - Variable, built on math/big, for public-operand work such as
//     encryption under a registered key and primality testing
package bignum

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Arithmetic errors
var (
	ErrNotCoprime      = errors.New("bignum: operands are not coprime")
	ErrEmptyRange      = errors.New("bignum: empty range")
	ErrInvalidModulus  = errors.New("bignum: invalid modulus")
	ErrOperandTooLarge = errors.New("bignum: operand exceeds working width")
)

var one = big.NewInt(1)

// Arithmetic is the modular arithmetic capability required by the RSA
// engines. Implementations must not mutate their arguments.
type Arithmetic interface {
	// ModExp returns base^exp mod modulus.
	ModExp(base, exp, modulus *big.Int) (*big.Int, error)
	// ModMul returns a*b mod modulus.
	ModMul(a, b, modulus *big.Int) (*big.Int, error)
	// ModInverse returns d such that a*d = 1 mod modulus, or ErrNotCoprime.
	ModInverse(a, modulus *big.Int) (*big.Int, error)
}

// ModExp computes base^exp mod modulus with the variable-time backend.
// Use ConstantTime when exp is secret.
func ModExp(base, exp, modulus *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, modulus)
}

// GCD returns the greatest common divisor of a and b.
func GCD(a, b *big.Int) *big.Int {
	return new(big.Int).GCD(nil, nil, new(big.Int).Abs(a), new(big.Int).Abs(b))
}

// ExtendedGCD returns (g, x, y) such that a*x + b*y = g = gcd(a, b).
func ExtendedGCD(a, b *big.Int) (g, x, y *big.Int) {
	x, y = new(big.Int), new(big.Int)
	g = new(big.Int).GCD(x, y, a, b)
	return g, x, y
}

// ModInverse returns d in [0, m) such that a*d = 1 mod m.
// It returns ErrNotCoprime if gcd(a, m) != 1.
func ModInverse(a, m *big.Int) (*big.Int, error) {
	if m.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	reduced := new(big.Int).Mod(a, m)
	g, x, _ := ExtendedGCD(reduced, m)
	if g.Cmp(one) != 0 {
		return nil, ErrNotCoprime
	}
	return x.Mod(x, m), nil
}

// LCM returns the least common multiple |a*b| / gcd(a, b).
func LCM(a, b *big.Int) *big.Int {
	g := GCD(a, b)
	if g.Sign() == 0 {
		return new(big.Int)
	}
	l := new(big.Int).Mul(a, b)
	l.Abs(l)
	return l.Quo(l, g)
}

// RandomInRange returns a uniformly random integer in [low, high) read from
// random. A nil reader selects crypto/rand.Reader.
func RandomInRange(random io.Reader, low, high *big.Int) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	span := new(big.Int).Sub(high, low)
	if span.Sign() <= 0 {
		return nil, fmt.Errorf("%w: [%s, %s)", ErrEmptyRange, low, high)
	}
	r, err := rand.Int(random, span)
	if err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return r.Add(r, low), nil
}

// Variable is the math/big backend. Its running time depends on operand
// values; use it only with public operands.
type Variable struct{}

// ModExp implements Arithmetic.
func (Variable) ModExp(base, exp, modulus *big.Int) (*big.Int, error) {
	if modulus.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	return ModExp(base, exp, modulus), nil
}

// ModMul implements Arithmetic.
func (Variable) ModMul(a, b, modulus *big.Int) (*big.Int, error) {
	if modulus.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	p := new(big.Int).Mul(a, b)
	return p.Mod(p, modulus), nil
}

// ModInverse implements Arithmetic.
func (Variable) ModInverse(a, modulus *big.Int) (*big.Int, error) {
	return ModInverse(a, modulus)
}
