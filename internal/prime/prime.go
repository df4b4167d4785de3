// Package prime generates probable primes for RSA key construction.
//
// Candidates have their two most significant bits forced to 1, so the
// product of two n-bit primes is always 2n bits long, and are accepted only
// after trial division by small primes and 44 rounds of Miller-Rabin. For
// random candidates of 1024 bits and up the error probability is <= 2^-144.
package prime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"silentauth/internal/bignum"
)

// DefaultRounds is the number of Miller-Rabin rounds run per candidate.
const DefaultRounds = 44

// MinBits is the smallest prime size the generator accepts.
const MinBits = 16

// Generation errors
var (
	ErrBitsTooSmall    = errors.New("prime: bit length too small")
	ErrInvalidExponent = errors.New("prime: public exponent must be odd and >= 3")
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// smallPrimes are used to discard most composite candidates before the
// Miller-Rabin rounds.
var smallPrimes = []uint64{
	3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53,
	59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107, 109, 113,
	127, 131, 137, 139, 149, 151, 157, 163, 167, 173, 179, 181,
	191, 193, 197, 199, 211, 223, 227, 229, 233, 239, 241, 251,
}

type primeGroup struct {
	product *big.Int
	primes  []uint64
}

// smallPrimeGroups partitions smallPrimes into groups whose product fits in
// a uint64, so each group costs one big.Int reduction.
var smallPrimeGroups = func() []primeGroup {
	var out []primeGroup
	for i := 0; i < len(smallPrimes); {
		prod := uint64(1)
		start := i
		for i < len(smallPrimes) && prod <= (1<<63)/smallPrimes[i] {
			prod *= smallPrimes[i]
			i++
		}
		out = append(out, primeGroup{new(big.Int).SetUint64(prod), smallPrimes[start:i]})
	}
	return out
}()

// DistanceConstraint requires |candidate - Other| >= 2^MinDistanceLog2.
type DistanceConstraint struct {
	Other           *big.Int
	MinDistanceLog2 uint
}

// Satisfied reports whether candidate is far enough from c.Other.
func (c *DistanceConstraint) Satisfied(candidate *big.Int) bool {
	if c == nil || c.Other == nil {
		return true
	}
	diff := new(big.Int).Sub(candidate, c.Other)
	diff.Abs(diff)
	bound := new(big.Int).Lsh(bigOne, c.MinDistanceLog2)
	return diff.Cmp(bound) >= 0
}

// Generator produces probable primes from a random source.
type Generator struct {
	// Rand is the entropy source. Nil selects crypto/rand.Reader.
	Rand io.Reader

	// Rounds is the number of Miller-Rabin rounds. Zero selects DefaultRounds.
	Rounds int
}

// NewGenerator creates a Generator reading from random.
func NewGenerator(random io.Reader) *Generator {
	return &Generator{Rand: random, Rounds: DefaultRounds}
}

func (g *Generator) random() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

func (g *Generator) rounds() int {
	if g.Rounds <= 0 {
		return DefaultRounds
	}
	return g.Rounds
}

// Generate returns a probable prime p of exactly bits bits such that
// gcd(p-1, e) = 1 and, when constraint is non-nil, p satisfies it.
//
// Rejected candidates are retried internally. The only errors returned are
// argument errors, random source failures and ctx cancellation.
func (g *Generator) Generate(ctx context.Context, bits int, e *big.Int, constraint *DistanceConstraint) (*big.Int, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("%w: %d < %d", ErrBitsTooSmall, bits, MinBits)
	}
	if e == nil || e.Cmp(big.NewInt(3)) < 0 || e.Bit(0) == 0 {
		return nil, ErrInvalidExponent
	}

	random := g.random()
	buf := make([]byte, (bits+7)/8)
	defer clear(buf)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := g.candidate(random, buf, bits)
		if err != nil {
			return nil, err
		}

		pm1 := new(big.Int).Sub(candidate, bigOne)
		if bignum.GCD(pm1, e).Cmp(bigOne) != 0 {
			continue
		}
		if !constraint.Satisfied(candidate) {
			continue
		}
		if hasSmallFactor(candidate) {
			continue
		}

		ok, err := MillerRabin(ctx, random, candidate, g.rounds())
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}
}

// candidate draws a random odd integer of exactly bits bits with its two
// most significant bits set.
func (g *Generator) candidate(random io.Reader, buf []byte, bits int) (*big.Int, error) {
	if _, err := io.ReadFull(random, buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}

	// Clear bits in the first byte beyond the requested length.
	b := uint(bits % 8)
	if b == 0 {
		b = 8
	}
	buf[0] &= uint8(int(1<<b) - 1)

	// Set the top two bits so that the candidate is at least
	// 0b11 << (bits-2) > sqrt(2) * 2^(bits-1).
	if b >= 2 {
		buf[0] |= 3 << (b - 2)
	} else {
		buf[0] |= 1
		if len(buf) > 1 {
			buf[1] |= 0x80
		}
	}
	buf[len(buf)-1] |= 1

	return new(big.Int).SetBytes(buf), nil
}

func hasSmallFactor(n *big.Int) bool {
	r := new(big.Int)
	for _, group := range smallPrimeGroups {
		rem := r.Mod(n, group.product).Uint64()
		for _, p := range group.primes {
			if rem%p == 0 && n.Cmp(new(big.Int).SetUint64(p)) != 0 {
				return true
			}
		}
	}
	return false
}

// MillerRabin runs rounds of the Miller-Rabin test on the odd integer n with
// independent random witnesses in (1, n-1). It returns false as soon as any
// round proves n composite.
func MillerRabin(ctx context.Context, random io.Reader, n *big.Int, rounds int) (bool, error) {
	if n.Cmp(big.NewInt(5)) < 0 {
		return n.Cmp(bigTwo) == 0 || n.Cmp(big.NewInt(3)) == 0, nil
	}
	if n.Bit(0) == 0 {
		return false, nil
	}

	nm1 := new(big.Int).Sub(n, bigOne)
	a := nm1.TrailingZeroBits()
	m := new(big.Int).Rsh(nm1, a)

	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		b, err := bignum.RandomInRange(random, bigTwo, nm1)
		if err != nil {
			return false, err
		}

		z := bignum.ModExp(b, m, n)
		if z.Cmp(bigOne) == 0 || z.Cmp(nm1) == 0 {
			continue
		}

		passed := false
		for j := uint(1); j < a; j++ {
			z.Mul(z, z).Mod(z, n)
			if z.Cmp(nm1) == 0 {
				passed = true
				break
			}
			if z.Cmp(bigOne) == 0 {
				return false, nil
			}
		}
		if !passed {
			return false, nil
		}
	}
	return true, nil
}
