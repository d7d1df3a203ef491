package math_test

import (
	vmath "creditvault/internal/math"
	"testing"
)

func TestMulDiv_NoOverflow(t *testing.T) {
	// 2^40 * 2^40 overflows int64 in the intermediate; result fits.
	a := int64(1) << 40
	got, err := vmath.MulDiv(a, a, a)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got != a {
		t.Errorf("got %d, want %d", got, a)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := vmath.MulDiv(7, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 10 {
		t.Errorf("got %d, want 10 (truncated)", got)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	if _, err := vmath.MulDiv(1, 1, 0); err == nil {
		t.Error("expected error for zero denominator")
	}
}

func TestMulDiv_ResultOverflow(t *testing.T) {
	max := int64(1)<<62 + (int64(1)<<62 - 1)
	if _, err := vmath.MulDiv(max, 3, 1); err == nil {
		t.Error("expected overflow error")
	}
}

func TestBipsOf(t *testing.T) {
	got, err := vmath.BipsOf(10_000, 50) // 0.5%
	if err != nil {
		t.Fatal(err)
	}
	if got != 50 {
		t.Errorf("got %d, want 50", got)
	}
}

func TestCmpMul(t *testing.T) {
	if vmath.CmpMul(3, 4, 2, 6) != 0 {
		t.Error("3*4 should equal 2*6")
	}
	if vmath.CmpMul(3, 5, 2, 6) != 1 {
		t.Error("3*5 should exceed 2*6")
	}
	if vmath.CmpMul(1, 5, 2, 6) != -1 {
		t.Error("1*5 should be less than 2*6")
	}
}

func TestAddChecked_Overflow(t *testing.T) {
	max := int64(1)<<62 + (int64(1)<<62 - 1)
	if _, err := vmath.AddChecked(max, 1); err == nil {
		t.Error("expected overflow error")
	}
	if got, err := vmath.AddChecked(40, 2); err != nil || got != 42 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestSignAbs(t *testing.T) {
	if vmath.Sign(-3) != -1 || vmath.Sign(0) != 0 || vmath.Sign(9) != 1 {
		t.Error("sign mismatch")
	}
	if vmath.Abs(-7) != 7 || vmath.Abs(7) != 7 {
		t.Error("abs mismatch")
	}
}
