package fee

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestApplyTakesFloor(t *testing.T) {
	tenPercent := Percent(10)
	got, err := tenPercent.Apply(uint256.NewInt(55))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got.Uint64() != 5 {
		t.Fatalf("expected 5, got %s", got.Dec())
	}
}

func TestApplyZeroFee(t *testing.T) {
	got, err := Zero().Apply(uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got.Dec())
	}
}

func TestExceedsAcrossDenominators(t *testing.T) {
	half := Fee{Numerator: uint256.NewInt(1), Denominator: uint256.NewInt(2)}
	if !Percent(70).Exceeds(half) {
		t.Fatalf("expected 70%% to exceed 1/2")
	}
	if half.Exceeds(Percent(70)) {
		t.Fatalf("expected 1/2 not to exceed 70%%")
	}
	if Percent(50).Exceeds(half) {
		t.Fatalf("equal fees must not exceed each other")
	}
}

func TestValid(t *testing.T) {
	if !Percent(100).Valid() {
		t.Fatalf("expected 100%% to be valid")
	}
	if Percent(101).Valid() {
		t.Fatalf("expected 101%% to be invalid")
	}
	if (Fee{Numerator: uint256.NewInt(1), Denominator: new(uint256.Int)}).Valid() {
		t.Fatalf("expected zero denominator to be invalid")
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	got, err := MulDiv(max, uint256.NewInt(4), uint256.NewInt(8))
	if err != nil {
		t.Fatalf("muldiv: %v", err)
	}
	want := new(uint256.Int).Rsh(max, 1)
	if !got.Eq(want) {
		t.Fatalf("expected %s, got %s", want.Dec(), got.Dec())
	}
	if _, err := MulDiv(max, uint256.NewInt(2), uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := MulDiv(max, max, new(uint256.Int)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected zero divisor error, got %v", err)
	}
}

func TestUnits(t *testing.T) {
	if got := Units(10000, 6); got.Uint64() != 10_000_000_000 {
		t.Fatalf("unexpected units: %s", got.Dec())
	}
	if !Units(1, 18).Eq(One) {
		t.Fatalf("expected 1e18")
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"2.5", 18, "2500000000000000000"},
		{"1000", 6, "1000000000"},
		{"0", 6, "0"},
		{".5", 2, "50"},
		{"007", 0, "7"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.in, tc.want, got.Dec())
		}
	}
	if _, err := ParseUnits("1.234", 2); err == nil {
		t.Fatalf("expected error for excess decimals")
	}
	if _, err := ParseUnits("abc", 2); err == nil {
		t.Fatalf("expected error for non-numeric input")
	}
}

func TestParsePercent(t *testing.T) {
	f, err := ParsePercent("10")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.Numerator.Eq(Percent(10).Numerator) {
		t.Fatalf("expected 10%%, got %s", f)
	}
	if _, err := ParsePercent("100.5"); err == nil {
		t.Fatalf("expected error above 100")
	}
}
