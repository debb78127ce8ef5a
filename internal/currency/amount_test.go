package currency

import (
	"encoding/json"
	"testing"
)

func TestAmountArithmetic(t *testing.T) {
	a := FromInt64(50)
	b := FromInt64(8)

	if got := a.Add(b).String(); got != "58" {
		t.Fatalf("add: got %s", got)
	}
	if got := a.Sub(b).String(); got != "42" {
		t.Fatalf("sub: got %s", got)
	}
	if a.Cmp(b) != 1 || b.Cmp(a) != -1 || a.Cmp(a) != 0 {
		t.Fatal("cmp ordering is wrong")
	}
	if got := Min(a, b).String(); got != "8" {
		t.Fatalf("min: got %s", got)
	}
	if got := Max(a, b).String(); got != "50" {
		t.Fatalf("max: got %s", got)
	}
}

func TestAmountZeroValueIsUsable(t *testing.T) {
	var a Amount
	if !a.IsZero() {
		t.Fatal("zero value must equal zero")
	}
	if got := a.Add(FromInt64(3)).String(); got != "3" {
		t.Fatalf("zero value add: got %s", got)
	}
}

func TestAmountParse(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := Parse("1.5"); err == nil {
		t.Fatal("expected error for fractional input")
	}
	a, err := Parse("-7")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !a.IsNegative() {
		t.Fatal("expected negative amount")
	}
}

func TestAmountJSONRoundTrip(t *testing.T) {
	a := MustParse("123456789012345678901234567890")
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != `"123456789012345678901234567890"` {
		t.Fatalf("unexpected encoding: %s", raw)
	}

	var back Amount
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Fatalf("round trip mismatch: %s", back)
	}

	// The UI side serializes small quantities as bare JSON numbers.
	if err := json.Unmarshal([]byte("42"), &back); err != nil {
		t.Fatalf("numeric unmarshal failed: %v", err)
	}
	if back.String() != "42" {
		t.Fatalf("numeric round trip mismatch: %s", back)
	}
}
