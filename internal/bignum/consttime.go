package bignum

import (
	"math/big"

	"github.com/cronokirby/safenum"
)

// ConstantTime is the safenum backend. Every operand is loaded at a width
// fixed by the modulus rather than by its own magnitude, so the time taken
// by ModExp depends on the bit length of the modulus and exponent slot, not
// on the value of a secret exponent or base.
//
// The modulus must be odd, which holds for every RSA modulus.
type ConstantTime struct{}

// workspace holds the fixed-width view of one modulus. Loading buffers are
// sized to twice the modulus width so a product of two reduced values can
// be reduced without reallocation.
type workspace struct {
	modulus *big.Int
	mod     *safenum.Modulus
	width   int
}

func newWorkspace(m *big.Int) (*workspace, error) {
	if m == nil || m.Sign() <= 0 || m.Bit(0) == 0 {
		return nil, ErrInvalidModulus
	}
	width := (m.BitLen() + 7) / 8
	return &workspace{
		modulus: m,
		mod:     safenum.ModulusFromBytes(m.FillBytes(make([]byte, width))),
		width:   width,
	}, nil
}

// load reduces x into [0, m) at the modulus width.
func (w *workspace) load(x *big.Int) (*safenum.Nat, error) {
	if x.Sign() < 0 {
		x = new(big.Int).Mod(x, w.modulus)
	}
	if (x.BitLen()+7)/8 > 2*w.width {
		return nil, ErrOperandTooLarge
	}
	buf := x.FillBytes(make([]byte, 2*w.width))
	defer clear(buf)
	wide := new(safenum.Nat).SetBytes(buf)
	return new(safenum.Nat).Mod(wide, w.mod), nil
}

// exponent loads e at no less than the modulus width.
func (w *workspace) exponent(e *big.Int) (*safenum.Nat, error) {
	if e.Sign() < 0 {
		return nil, ErrOperandTooLarge
	}
	width := w.width
	if l := (e.BitLen() + 7) / 8; l > width {
		width = l
	}
	buf := e.FillBytes(make([]byte, width))
	defer clear(buf)
	return new(safenum.Nat).SetBytes(buf), nil
}

func (w *workspace) store(n *safenum.Nat) *big.Int {
	buf := n.Bytes()
	defer clear(buf)
	return new(big.Int).SetBytes(buf)
}

// ModExp implements Arithmetic.
func (ConstantTime) ModExp(base, exp, modulus *big.Int) (*big.Int, error) {
	w, err := newWorkspace(modulus)
	if err != nil {
		return nil, err
	}
	b, err := w.load(base)
	if err != nil {
		return nil, err
	}
	e, err := w.exponent(exp)
	if err != nil {
		return nil, err
	}
	return w.store(new(safenum.Nat).Exp(b, e, w.mod)), nil
}

// ModMul implements Arithmetic.
func (ConstantTime) ModMul(a, b, modulus *big.Int) (*big.Int, error) {
	w, err := newWorkspace(modulus)
	if err != nil {
		return nil, err
	}
	x, err := w.load(a)
	if err != nil {
		return nil, err
	}
	y, err := w.load(b)
	if err != nil {
		return nil, err
	}
	return w.store(new(safenum.Nat).ModMul(x, y, w.mod)), nil
}

// ModInverse implements Arithmetic. The inverse is computed without
// branching on a; the product check afterwards only reveals whether an
// inverse exists.
func (ConstantTime) ModInverse(a, modulus *big.Int) (*big.Int, error) {
	w, err := newWorkspace(modulus)
	if err != nil {
		return nil, err
	}
	x, err := w.load(a)
	if err != nil {
		return nil, err
	}
	inv := new(safenum.Nat).ModInverse(x, w.mod)
	check := w.store(new(safenum.Nat).ModMul(x, inv, w.mod))
	if check.Cmp(one) != 0 {
		return nil, ErrNotCoprime
	}
	return w.store(inv), nil
}
