// ABOUTME: Unit tests for typed value encode/decode and ordering
// ABOUTME: Mirrors the corpus's plain-testing table-test style

package value

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		Str("hello"),
		Str(""),
		I32(-42),
		I32(42),
		I64(-1),
		I64(1 << 40),
		F32(3.25),
		F32(-3.25),
		F64(2.71828),
		Bool(true),
		Bool(false),
	}

	for _, v := range cases {
		enc := Encode(v)
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode(%v): %v", v, err)
		}
		if n != len(enc) {
			t.Errorf("decode(%v): consumed %d, want %d", v, n, len(enc))
		}
		if !Equal(got, v) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, v)
		}
	}
}

func TestOrderingMatchesByteOrder(t *testing.T) {
	cases := []struct {
		lo, hi Value
	}{
		{I32(-5), I32(5)},
		{I64(-1000), I64(1000)},
		{F32(-1.5), F32(1.5)},
		{F64(-1.5), F64(1.5)},
		{Str("a"), Str("b")},
		{Bool(false), Bool(true)},
	}

	for _, c := range cases {
		if Compare(c.lo, c.hi) >= 0 {
			t.Errorf("expected %v < %v", c.lo, c.hi)
		}
		loEnc, hiEnc := Encode(c.lo), Encode(c.hi)
		if bytes.Compare(loEnc, hiEnc) >= 0 {
			t.Errorf("encoded ordering mismatch for %v vs %v", c.lo, c.hi)
		}
	}
}

func TestCrossVariantComparePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic comparing different kinds")
		}
	}()
	Compare(I32(1), I64(1))
}

func TestDecodeTruncated(t *testing.T) {
	enc := Encode(I64(5))
	if _, _, err := Decode(enc[:3]); err == nil {
		t.Fatal("expected error decoding truncated i64")
	}
}
