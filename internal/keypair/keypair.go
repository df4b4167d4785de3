// Package keypair generates the device RSA keypair.
//
// A KeyPair carries only (n, e, d). The primes and the Carmichael totient
// used to build it are wiped before Generate returns; private operations
// use d directly, without CRT.
package keypair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	"silentauth/internal/bignum"
	"silentauth/internal/prime"
	"silentauth/internal/security"
	"silentauth/internal/tracing"
)

// Key parameters
const (
	DefaultBits     = 4096
	DefaultExponent = 65537

	// MinBits keeps the prime distance bound 2^(bits/2-100) meaningful.
	MinBits = 512

	// distanceMargin is subtracted from half the modulus size to give the
	// log2 of the minimum |p-q|.
	distanceMargin = 100
)

// Generation errors
var (
	// ErrInvariant reports a key that violates a construction guarantee.
	// It indicates a defect and is never retried.
	ErrInvariant = errors.New("keypair: construction invariant violated")

	ErrInvalidOptions   = errors.New("keypair: invalid options")
	ErrInvalidPublicKey = errors.New("keypair: invalid public key")

	errRetry = errors.New("keypair: retry")
)

// Options configures key generation.
type Options struct {
	Bits int       // modulus size; DefaultBits when zero
	E    int       // public exponent; DefaultExponent when zero
	Rand io.Reader // entropy source; crypto/rand when nil

	// Tracer, when set, records a keypair.generate span with an event
	// per prime found and per restart.
	Tracer *tracing.Tracer
}

func (o Options) withDefaults() Options {
	if o.Bits == 0 {
		o.Bits = DefaultBits
	}
	if o.E == 0 {
		o.E = DefaultExponent
	}
	return o
}

func (o Options) validate() error {
	if o.Bits < MinBits || o.Bits%2 != 0 {
		return fmt.Errorf("%w: bits must be even and >= %d, got %d", ErrInvalidOptions, MinBits, o.Bits)
	}
	if o.E < 3 || o.E%2 == 0 {
		return fmt.Errorf("%w: exponent must be odd and >= 3, got %d", ErrInvalidOptions, o.E)
	}
	return nil
}

// PublicKey is the registered half of a KeyPair.
type PublicKey struct {
	N *big.Int
	E int
}

// Size returns the modulus length in bytes.
func (pub *PublicKey) Size() int {
	return (pub.N.BitLen() + 7) / 8
}

// Validate checks that pub could have come from Generate.
func (pub *PublicKey) Validate() error {
	if pub == nil || pub.N == nil {
		return fmt.Errorf("%w: missing modulus", ErrInvalidPublicKey)
	}
	if pub.N.BitLen() < MinBits {
		return fmt.Errorf("%w: modulus is %d bits, minimum %d", ErrInvalidPublicKey, pub.N.BitLen(), MinBits)
	}
	if pub.N.Bit(0) == 0 {
		return fmt.Errorf("%w: even modulus", ErrInvalidPublicKey)
	}
	if pub.E < 3 || pub.E%2 == 0 {
		return fmt.Errorf("%w: bad exponent %d", ErrInvalidPublicKey, pub.E)
	}
	return nil
}

// KeyPair is a device RSA key. D must never leave the device.
type KeyPair struct {
	N *big.Int
	E int
	D *big.Int
}

// PublicKey returns (N, E).
func (k *KeyPair) PublicKey() *PublicKey {
	return &PublicKey{N: new(big.Int).Set(k.N), E: k.E}
}

// Size returns the modulus length in bytes.
func (k *KeyPair) Size() int {
	return (k.N.BitLen() + 7) / 8
}

// Wipe zeroes the private exponent. The KeyPair is unusable afterwards.
func (k *KeyPair) Wipe() {
	security.WipeInt(k.D)
}

// Generate builds a new KeyPair. It runs until a key satisfying every
// construction check is found, ctx is done, or the random source fails.
// Cancellation returns ctx.Err() and no key.
func Generate(ctx context.Context, opts Options) (*KeyPair, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, span := opts.Tracer.Start(ctx, "keypair.generate", tracing.WithAttributes(
		tracing.Int("bits", opts.Bits),
		tracing.Int("e", opts.E),
	))
	kp, restarts, err := generate(ctx, opts, span)
	span.SetAttribute("restarts", restarts)
	span.Finish(err)
	return kp, err
}

func generate(ctx context.Context, opts Options, span *tracing.Span) (*KeyPair, int, error) {
	half := opts.Bits / 2
	e := big.NewInt(int64(opts.E))
	dMin := new(big.Int).Lsh(big.NewInt(1), uint(half))
	gen := prime.NewGenerator(opts.Rand)

	for restarts := 0; ; restarts++ {
		p, err := gen.Generate(ctx, half, e, nil)
		if err != nil {
			return nil, restarts, err
		}
		span.AddEvent("prime", tracing.String("which", "p"))

		distance := &prime.DistanceConstraint{Other: p, MinDistanceLog2: uint(half - distanceMargin)}
		q, err := gen.Generate(ctx, half, e, distance)
		if err != nil {
			security.WipeInt(p)
			return nil, restarts, err
		}
		span.AddEvent("prime", tracing.String("which", "q"))

		kp, err := assemble(p, q, e, opts.Bits, dMin)
		security.WipeInts(p, q)
		if errors.Is(err, errRetry) {
			span.AddEvent("restart")
			continue
		}
		if err != nil {
			return nil, restarts, err
		}
		return kp, restarts, nil
	}
}

// assemble derives (n, d) from the primes. errRetry means the caller should
// start again from a fresh p.
func assemble(p, q, e *big.Int, bits int, dMin *big.Int) (*KeyPair, error) {
	n := new(big.Int).Mul(p, q)
	if n.BitLen() != bits {
		return nil, errRetry
	}

	pm1 := new(big.Int).Sub(p, big.NewInt(1))
	qm1 := new(big.Int).Sub(q, big.NewInt(1))
	phi := bignum.LCM(pm1, qm1)
	defer security.WipeInts(pm1, qm1, phi)

	if phi.Cmp(e) <= 0 {
		return nil, errRetry
	}

	d, err := bignum.ModInverse(e, phi)
	if err != nil {
		// gcd(p-1, e) = gcd(q-1, e) = 1 was checked during prime search.
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if d.Cmp(dMin) <= 0 {
		security.WipeInt(d)
		return nil, errRetry
	}
	if d.Cmp(phi) > 0 {
		security.WipeInt(d)
		return nil, fmt.Errorf("%w: d > lcm(p-1, q-1)", ErrInvariant)
	}

	return &KeyPair{N: n, E: int(e.Int64()), D: d}, nil
}

// Result is delivered by GenerateAsync.
type Result struct {
	Key *KeyPair
	Err error
}

// GenerateAsync runs Generate on its own goroutine. The returned channel
// receives exactly one Result and is then closed.
func GenerateAsync(ctx context.Context, opts Options) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		kp, err := Generate(ctx, opts)
		out <- Result{Key: kp, Err: err}
	}()
	return out
}
