package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		err error
	}{
		{"1", 100, nil},
		{"1.0", 100, nil},
		{"1.23", 123, nil},
		{"1,23", 123, nil},
		{"0.01", 1, nil},
		{"0", 0, nil},
		{"1.005", 101, nil}, // half-up rounding
		{"1.004", 100, nil},
		{" 2.50 ", 250, nil},
		{"5000", 500000, nil},
		{"-5", 0, ErrNegativeAmount},
		{"-0.01", 0, ErrNegativeAmount},
		{"+5", 0, ErrInvalidAmount},
		{"1e3", 0, ErrInvalidAmount},
		{"NaN", 0, ErrInvalidAmount},
		{"abc", 0, ErrInvalidAmount},
		{"1.2.3", 0, ErrInvalidAmount},
		{"", 0, ErrInvalidAmount},
		{"1000000000000000", 0, ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.err == nil {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
			continue
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("%q expected %v, got %v", tc.in, tc.err, err)
		}
	}
}

func TestMoneyFormatting(t *testing.T) {
	if s := (Money{Cents: 500000}).String(); s != "5000.00" {
		t.Fatalf("got %q", s)
	}
	if s := (Money{Cents: -150}).String(); s != "-1.50" {
		t.Fatalf("got %q", s)
	}

	b, err := json.Marshal(struct {
		A Money `json:"a"`
	}{Money{Cents: 1234}})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":12.34}` {
		t.Fatalf("unexpected json %s", b)
	}

	var m Money
	if err := json.Unmarshal([]byte(`"45.5"`), &m); err != nil || m.Cents != 4550 {
		t.Fatalf("unmarshal: %v %d", err, m.Cents)
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := Money{Cents: 100000}
	b := Money{Cents: 50000}
	if a.Sub(b).Add(b) != a {
		t.Fatal("add/sub should round-trip")
	}
	if !(Money{}).IsZero() {
		t.Fatal("zero money should report IsZero")
	}
}
