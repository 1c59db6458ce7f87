package core

import (
	"sort"
	"strings"
	"time"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

// SalaryCategory marks the recurring income entry expected once per cycle.
const SalaryCategory = "Salary"

// SalaryNote is the note written on system-confirmed salary entries.
const SalaryNote = "Monthly Salary"

// DefaultCurrency is used when a profile carries no currency symbol.
const DefaultCurrency = "₹"

type (
	TransactionType string

	// Transaction is an immutable ledger entry.
	Transaction struct {
		ID        string          `json:"id"`
		UserID    string          `json:"-"`
		Type      TransactionType `json:"type"`
		Amount    Money           `json:"amount"`
		Category  string          `json:"category"`
		Date      time.Time       `json:"date"` // accounting date, decides cycle membership
		Note      string          `json:"note,omitempty"`
		CreatedAt time.Time       `json:"created_at"` // store-assigned, ordering tie-break only
	}

	// NewTransaction is a validated entry ready to be handed to a store.
	NewTransaction struct {
		Type     TransactionType
		Amount   Money
		Category string
		Date     time.Time
		Note     string
	}

	UserProfile struct {
		UserID        string    `json:"user_id"`
		Name          string    `json:"name"`
		Currency      string    `json:"currency"`
		MonthlyIncome Money     `json:"monthly_income"`
		SalaryDate    int       `json:"salary_date"`
		CreatedAt     time.Time `json:"created_at"`
	}

	// ProfileUpdate is a partial profile update; nil fields are left untouched.
	ProfileUpdate struct {
		Name          *string
		Currency      *string
		MonthlyIncome *Money
		SalaryDate    *int
	}

	// CycleWindow bounds one accounting period. Both ends are inclusive.
	CycleWindow struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
)

func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(strings.ToLower(strings.TrimSpace(s))) {
	case Income:
		return Income, nil
	case Expense:
		return Expense, nil
	default:
		return "", ErrInvalidType
	}
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

// IsSalary reports whether t is the recurring income sentinel entry.
func (t Transaction) IsSalary() bool {
	return t.Type == Income && t.Category == SalaryCategory
}

// Signed returns the amount with expenses negated.
func (t Transaction) Signed() Money {
	if t.Type == Expense {
		return Money{Cents: -t.Amount.Cents}
	}
	return t.Amount
}

func (n NewTransaction) Validate() error {
	if !n.Type.Valid() {
		return &ValidationError{Field: "type", Err: ErrInvalidType}
	}
	if n.Amount.Cents < 0 {
		return &ValidationError{Field: "amount", Err: ErrNegativeAmount}
	}
	if strings.TrimSpace(n.Category) == "" {
		return &ValidationError{Field: "category", Err: ErrEmptyCategory}
	}
	if len(n.Category) > 100 {
		return &ValidationError{Field: "category", Err: ErrCategoryTooLong}
	}
	if n.Date.IsZero() {
		return &ValidationError{Field: "date", Err: ErrInvalidDate}
	}
	if len(n.Note) > 500 {
		return &ValidationError{Field: "note", Err: ErrNoteTooLong}
	}
	return nil
}

// NormalizeSalaryDate maps absent or invalid anchor days to 1.
func NormalizeSalaryDate(day int) int {
	if day < 1 || day > 31 {
		return 1
	}
	return day
}

// DefaultProfile is what a user without a stored profile gets.
func DefaultProfile(userID string) UserProfile {
	return UserProfile{
		UserID:     userID,
		Currency:   DefaultCurrency,
		SalaryDate: 1,
	}
}

// Apply returns a copy of p with the non-nil fields of u written over it.
func (p UserProfile) Apply(u ProfileUpdate) UserProfile {
	if u.Name != nil {
		p.Name = strings.TrimSpace(*u.Name)
	}
	if u.Currency != nil {
		p.Currency = strings.TrimSpace(*u.Currency)
	}
	if u.MonthlyIncome != nil {
		p.MonthlyIncome = *u.MonthlyIncome
	}
	if u.SalaryDate != nil {
		p.SalaryDate = NormalizeSalaryDate(*u.SalaryDate)
	}
	return p
}

func (u ProfileUpdate) Validate() error {
	if u.MonthlyIncome != nil && u.MonthlyIncome.Cents < 0 {
		return &ValidationError{Field: "monthly_income", Err: ErrNegativeAmount}
	}
	if u.SalaryDate != nil && (*u.SalaryDate < 1 || *u.SalaryDate > 31) {
		return &ValidationError{Field: "salary_date", Err: ErrInvalidSalaryDate}
	}
	return nil
}

func (w CycleWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Equal compares bounds by instant, never by identity or location.
func (w CycleWindow) Equal(o CycleWindow) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

func (w CycleWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// SortSnapshot orders by date descending, then creation time descending.
func SortSnapshot(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.After(txs[j].Date)
		}
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}

// HasSalary reports whether the snapshot already holds the recurring income.
func HasSalary(txs []Transaction) bool {
	for _, t := range txs {
		if t.IsSalary() {
			return true
		}
	}
	return false
}
