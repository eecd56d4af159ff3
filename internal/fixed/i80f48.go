// Package fixed bridges the wire's 16-byte I80F48 fixed-point words and
// the decimal arithmetic used throughout the core. All risk math runs on
// shopspring decimals; this package owns the conversion at the boundary.
package fixed

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WordSize is the wire width of one fixed-point value.
const WordSize = 16

// fracBits is the number of fractional bits in the wire format:
// a 128-bit signed integer scaled by 2^48.
const fracBits = 48

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
	Two  = decimal.NewFromInt(2)

	// scale = 2^48 as a big.Int, shared by both conversion directions.
	scale = new(big.Int).Lsh(big.NewInt(1), fracBits)

	// modulus = 2^128, for two's-complement folding.
	modulus = new(big.Int).Lsh(big.NewInt(1), 128)
	// signBound = 2^127; raw values at or above it are negative.
	signBound = new(big.Int).Lsh(big.NewInt(1), 127)

	scaleDec = decimal.NewFromBigInt(scale, 0)

	// pow5 = 5^48. raw/2^48 = raw*5^48/10^48, which is exact in
	// decimal, unlike Div at its default precision.
	pow5 = new(big.Int).Exp(big.NewInt(5), big.NewInt(fracBits), nil)
)

// DecodeWord converts a little-endian 16-byte fixed-point word into a
// decimal. Decoding never fails: every bit pattern is a valid value.
func DecodeWord(b [WordSize]byte) decimal.Decimal {
	// big.Int wants big-endian bytes.
	be := make([]byte, WordSize)
	for i := 0; i < WordSize; i++ {
		be[i] = b[WordSize-1-i]
	}

	raw := new(big.Int).SetBytes(be)
	if raw.Cmp(signBound) >= 0 {
		raw.Sub(raw, modulus)
	}

	return decimal.NewFromBigInt(new(big.Int).Mul(raw, pow5), -fracBits)
}

// EncodeWord converts a decimal into the little-endian 16-byte wire word,
// truncating toward zero any precision below 2^-48. Values outside the
// representable range return an error rather than wrapping silently.
func EncodeWord(d decimal.Decimal) ([WordSize]byte, error) {
	var out [WordSize]byte

	scaled := d.Mul(scaleDec).Truncate(0)
	raw := scaled.BigInt()

	// Range check against [-2^127, 2^127).
	neg := new(big.Int).Neg(signBound)
	if raw.Cmp(signBound) >= 0 || raw.Cmp(neg) < 0 {
		return out, fmt.Errorf("fixed: value %s out of I80F48 range", d)
	}

	if raw.Sign() < 0 {
		raw = new(big.Int).Add(raw, modulus)
	}

	// Right-align the big-endian bytes into 16 bytes, then reverse to
	// little-endian.
	be := raw.Bytes()
	copy(out[WordSize-len(be):], be)
	for i, j := 0, WordSize-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// MustEncodeWord is EncodeWord for values known to be in range (tests,
// admin parameters). Out-of-range input is an invariant violation.
func MustEncodeWord(d decimal.Decimal) [WordSize]byte {
	b, err := EncodeWord(d)
	if err != nil {
		panic(err)
	}
	return b
}

// Min returns the smaller of two decimals.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of two decimals.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// FromRatio returns num/den as a decimal. Division by zero is the
// caller's bug, not a representable state.
func FromRatio(num, den int64) decimal.Decimal {
	return decimal.NewFromInt(num).Div(decimal.NewFromInt(den))
}
