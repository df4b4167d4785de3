package bignum

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCD(t *testing.T) {
	tests := []struct {
		a, b, want int64
	}{
		{12, 18, 6},
		{17, 5, 1},
		{0, 9, 9},
		{-12, 18, 6},
		{65537, 65537 * 3, 65537},
	}
	for _, tc := range tests {
		got := GCD(big.NewInt(tc.a), big.NewInt(tc.b))
		assert.Equal(t, tc.want, got.Int64(), "gcd(%d, %d)", tc.a, tc.b)
	}
}

func TestExtendedGCDIdentity(t *testing.T) {
	pairs := [][2]int64{{240, 46}, {65537, 3120}, {1, 1}, {99, 78}, {17, 3233}}
	for _, p := range pairs {
		a, b := big.NewInt(p[0]), big.NewInt(p[1])
		g, x, y := ExtendedGCD(a, b)

		lhs := new(big.Int).Mul(a, x)
		lhs.Add(lhs, new(big.Int).Mul(b, y))
		assert.Equal(t, 0, lhs.Cmp(g), "a*x + b*y != g for %v", p)
		assert.Equal(t, 0, g.Cmp(GCD(a, b)))
	}
}

func TestModInverse(t *testing.T) {
	d, err := ModInverse(big.NewInt(17), big.NewInt(3120))
	require.NoError(t, err)
	assert.Equal(t, int64(2753), d.Int64())

	_, err = ModInverse(big.NewInt(6), big.NewInt(9))
	assert.ErrorIs(t, err, ErrNotCoprime)

	_, err = ModInverse(big.NewInt(3), big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidModulus)
}

func TestModInverseNegativeInput(t *testing.T) {
	d, err := ModInverse(big.NewInt(-3), big.NewInt(7))
	require.NoError(t, err)
	// -3 = 4 mod 7, 4*2 = 8 = 1 mod 7
	assert.Equal(t, int64(2), d.Int64())
}

func TestLCM(t *testing.T) {
	assert.Equal(t, int64(36), LCM(big.NewInt(12), big.NewInt(18)).Int64())
	assert.Equal(t, int64(0), LCM(big.NewInt(0), big.NewInt(0)).Int64())
}

func TestRandomInRange(t *testing.T) {
	low, high := big.NewInt(10), big.NewInt(20)
	for i := 0; i < 200; i++ {
		r, err := RandomInRange(rand.Reader, low, high)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Cmp(low), 0)
		assert.Less(t, r.Cmp(high), 0)
	}

	_, err := RandomInRange(nil, high, low)
	assert.ErrorIs(t, err, ErrEmptyRange)
}

func TestRandomInRangeDeterministicReader(t *testing.T) {
	src := bytes.Repeat([]byte{0x00}, 64)
	r, err := RandomInRange(bytes.NewReader(src), big.NewInt(5), big.NewInt(6))
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Int64())
}

func TestRandomInRangeShortReader(t *testing.T) {
	_, err := RandomInRange(bytes.NewReader(nil), big.NewInt(0), big.NewInt(1<<40))
	assert.Error(t, err)
}

func TestBackendsAgree(t *testing.T) {
	// RSA toy key: p=61, q=53
	n := big.NewInt(3233)
	e := big.NewInt(17)
	d := big.NewInt(2753)

	backends := map[string]Arithmetic{
		"variable":      Variable{},
		"constant-time": ConstantTime{},
	}

	for name, a := range backends {
		t.Run(name, func(t *testing.T) {
			for m := int64(0); m < 100; m++ {
				c, err := a.ModExp(big.NewInt(m), e, n)
				require.NoError(t, err)
				back, err := a.ModExp(c, d, n)
				require.NoError(t, err)
				assert.Equal(t, m, back.Int64())
			}

			p, err := a.ModMul(big.NewInt(3000), big.NewInt(3000), n)
			require.NoError(t, err)
			assert.Equal(t, int64(3000*3000%3233), p.Int64())

			inv, err := a.ModInverse(big.NewInt(17), n)
			require.NoError(t, err)
			check := new(big.Int).Mul(inv, big.NewInt(17))
			assert.Equal(t, int64(1), check.Mod(check, n).Int64())

			_, err = a.ModInverse(big.NewInt(61), n)
			assert.ErrorIs(t, err, ErrNotCoprime)
		})
	}
}

func TestConstantTimeLargeOperands(t *testing.T) {
	p, err := rand.Prime(rand.Reader, 256)
	require.NoError(t, err)
	q, err := rand.Prime(rand.Reader, 256)
	require.NoError(t, err)
	n := new(big.Int).Mul(p, q)

	x, err := RandomInRange(rand.Reader, big.NewInt(2), n)
	require.NoError(t, err)
	exp, err := RandomInRange(rand.Reader, big.NewInt(2), n)
	require.NoError(t, err)

	want := ModExp(x, exp, n)
	got, err := ConstantTime{}.ModExp(x, exp, n)
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))

	// Base wider than the modulus is reduced first.
	wide := new(big.Int).Mul(x, n)
	wide.Add(wide, big.NewInt(7))
	got, err = ConstantTime{}.ModExp(wide, big.NewInt(1), n)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Int64())
}

func TestConstantTimeRejectsEvenModulus(t *testing.T) {
	_, err := ConstantTime{}.ModExp(big.NewInt(3), big.NewInt(3), big.NewInt(10))
	assert.ErrorIs(t, err, ErrInvalidModulus)
}

func TestConstantTimeRejectsOversizedOperand(t *testing.T) {
	n := big.NewInt(3233)
	huge := new(big.Int).Lsh(big.NewInt(1), 64)
	_, err := ConstantTime{}.ModMul(huge, big.NewInt(2), n)
	assert.ErrorIs(t, err, ErrOperandTooLarge)
}
