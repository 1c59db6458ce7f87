package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewTransactionValidate(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	good := NewTransaction{
		Type:     Expense,
		Amount:   Money{Cents: 100},
		Category: "Food",
		Date:     day,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	zero := good
	zero.Amount = Money{}
	if err := zero.Validate(); err != nil {
		t.Fatalf("zero amount should be accepted, got %v", err)
	}

	bads := []struct {
		tx    NewTransaction
		field error
	}{
		{NewTransaction{Type: "transfer", Amount: Money{Cents: 1}, Category: "c", Date: day}, ErrInvalidType},
		{NewTransaction{Type: Income, Amount: Money{Cents: -1}, Category: "c", Date: day}, ErrNegativeAmount},
		{NewTransaction{Type: Income, Amount: Money{Cents: 1}, Category: "  ", Date: day}, ErrEmptyCategory},
		{NewTransaction{Type: Income, Amount: Money{Cents: 1}, Category: strings.Repeat("x", 101), Date: day}, ErrCategoryTooLong},
		{NewTransaction{Type: Income, Amount: Money{Cents: 1}, Category: "c"}, ErrInvalidDate},
		{NewTransaction{Type: Income, Amount: Money{Cents: 1}, Category: "c", Date: day, Note: strings.Repeat("n", 501)}, ErrNoteTooLong},
	}
	for i, tc := range bads {
		err := tc.tx.Validate()
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d expected validation error, got %v", i, err)
		}
		if !errors.Is(err, tc.field) {
			t.Fatalf("case %d expected %v, got %v", i, tc.field, err)
		}
	}
}

func TestParseTransactionType(t *testing.T) {
	cases := map[string]TransactionType{"income": Income, " Expense ": Expense}
	for in, want := range cases {
		got, err := ParseTransactionType(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %q err=%v", in, got, err)
		}
	}
	if _, err := ParseTransactionType("refund"); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestNormalizeSalaryDate(t *testing.T) {
	cases := map[int]int{0: 1, -3: 1, 1: 1, 15: 15, 31: 31, 32: 1}
	for in, want := range cases {
		if got := NormalizeSalaryDate(in); got != want {
			t.Fatalf("NormalizeSalaryDate(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestProfileApply(t *testing.T) {
	p := DefaultProfile("u1")
	name := " Asha "
	income := Money{Cents: 450000}
	day := 25
	p = p.Apply(ProfileUpdate{Name: &name, MonthlyIncome: &income, SalaryDate: &day})

	if p.Name != "Asha" || p.MonthlyIncome != income || p.SalaryDate != 25 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.Currency != DefaultCurrency {
		t.Fatalf("currency should be untouched, got %q", p.Currency)
	}

	bad := 40
	if err := (ProfileUpdate{SalaryDate: &bad}).Validate(); !errors.Is(err, ErrInvalidSalaryDate) {
		t.Fatalf("expected ErrInvalidSalaryDate, got %v", err)
	}
}

func TestSortSnapshot(t *testing.T) {
	d1 := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	c1 := time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC)
	c2 := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	txs := []Transaction{
		{ID: "old", Date: d1, CreatedAt: c2},
		{ID: "same-day-early", Date: d2, CreatedAt: c1},
		{ID: "same-day-late", Date: d2, CreatedAt: c2},
	}
	SortSnapshot(txs)

	want := []string{"same-day-late", "same-day-early", "old"}
	for i, id := range want {
		if txs[i].ID != id {
			t.Fatalf("position %d: got %s, want %s", i, txs[i].ID, id)
		}
	}
}

func TestCycleWindowContainsAndEqual(t *testing.T) {
	w := CycleWindow{
		Start: time.Date(2024, 2, 25, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 24, 23, 59, 59, 999999999, time.UTC),
	}
	if !w.Contains(w.Start) || !w.Contains(w.End) {
		t.Fatal("window bounds must be inclusive")
	}
	if w.Contains(w.End.Add(time.Nanosecond)) {
		t.Fatal("instant after end must be outside")
	}

	ist := time.FixedZone("IST", 5*3600+1800)
	same := CycleWindow{Start: w.Start.In(ist), End: w.End.In(ist)}
	if !w.Equal(same) {
		t.Fatal("windows with equal instants must compare equal")
	}
}

func TestHasSalary(t *testing.T) {
	txs := []Transaction{
		{Type: Expense, Category: SalaryCategory},
		{Type: Income, Category: "Freelance"},
	}
	if HasSalary(txs) {
		t.Fatal("expense tagged Salary must not count")
	}
	txs = append(txs, Transaction{Type: Income, Category: SalaryCategory})
	if !HasSalary(txs) {
		t.Fatal("expected salary to be detected")
	}
}
