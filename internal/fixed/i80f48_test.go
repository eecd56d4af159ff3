package fixed_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"crossmargin/internal/fixed"
)

func TestDecodeWord_One(t *testing.T) {
	// 1.0 in I80F48: 2^48 little-endian = 0x0001_0000_0000_0000.
	var b [16]byte
	b[6] = 0x01

	got := fixed.DecodeWord(b)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("got %s, want 1", got)
	}
}

func TestDecodeWord_NegativeOne(t *testing.T) {
	// -1.0: two's complement of 2^48 over 128 bits.
	var b [16]byte
	for i := range b {
		b[i] = 0xFF
	}
	for i := 0; i < 6; i++ {
		b[i] = 0x00
	}

	got := fixed.DecodeWord(b)
	if !got.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("got %s, want -1", got)
	}
}

func TestDecodeWord_Half(t *testing.T) {
	// 0.5 = 2^47.
	var b [16]byte
	b[5] = 0x80

	got := fixed.DecodeWord(b)
	if !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("got %s, want 0.5", got)
	}
}

func TestDecodeWord_FullPrecision(t *testing.T) {
	// The smallest step, 2^-48, has 48 decimal digits. Decode must
	// produce all of them, not a value rounded to 16 places.
	var b [16]byte
	b[0] = 0x01

	got := fixed.DecodeWord(b)
	want := decimal.RequireFromString("0.000000000000003552713678800500929355621337890625")
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDecodeWord_ReencodeIdentity(t *testing.T) {
	// 2 * 2^-48: a rounded decode re-encodes one step low.
	var b [16]byte
	b[0] = 0x02

	re, err := fixed.EncodeWord(fixed.DecodeWord(b))
	if err != nil {
		t.Fatal(err)
	}
	if re != b {
		t.Errorf("re-encoded %x, want %x", re, b)
	}
}

func TestEncodeWord_RoundTrip(t *testing.T) {
	cases := []string{
		"0", "1", "-1", "0.5", "-0.5", "1000000", "-42.25",
		"123456789.000244140625", // exactly representable: 2^-12 granularity
	}

	for _, s := range cases {
		d := decimal.RequireFromString(s)
		b, err := fixed.EncodeWord(d)
		if err != nil {
			t.Fatalf("%s: encode: %v", s, err)
		}
		back := fixed.DecodeWord(b)
		if !back.Equal(d) {
			t.Errorf("%s: round-trip got %s", s, back)
		}
	}
}

func TestEncodeWord_TruncatesTowardZero(t *testing.T) {
	// 2^-49 is below wire precision and truncates to zero.
	tiny := decimal.NewFromInt(1).Div(decimal.NewFromInt(1 << 49))

	b, err := fixed.EncodeWord(tiny)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !fixed.DecodeWord(b).IsZero() {
		t.Errorf("sub-precision value should truncate to zero")
	}
}

func TestEncodeWord_OutOfRange(t *testing.T) {
	// 2^80 overflows the 80 integer bits.
	huge := decimal.NewFromInt(2).Pow(decimal.NewFromInt(80))

	if _, err := fixed.EncodeWord(huge); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestClamp(t *testing.T) {
	lo := decimal.NewFromInt(-1)
	hi := decimal.NewFromInt(1)

	if got := fixed.Clamp(decimal.NewFromInt(5), lo, hi); !got.Equal(hi) {
		t.Errorf("clamp above: got %s", got)
	}
	if got := fixed.Clamp(decimal.NewFromInt(-5), lo, hi); !got.Equal(lo) {
		t.Errorf("clamp below: got %s", got)
	}
	mid := decimal.NewFromFloat(0.25)
	if got := fixed.Clamp(mid, lo, hi); !got.Equal(mid) {
		t.Errorf("clamp inside: got %s", got)
	}
}
