package services

import (
	"sort"
	"strings"
	"time"

	"rupeek/internal/core"
)

// SummarizeCycle totals one cycle snapshot against the expected monthly
// income. SpentPercent is capped at 100 and zero without an income.
func SummarizeCycle(window core.CycleWindow, snapshot []core.Transaction, monthlyIncome core.Money) core.CycleSummary {
	s := core.CycleSummary{Window: window, MonthlyIncome: monthlyIncome}
	for _, t := range snapshot {
		switch t.Type {
		case core.Income:
			s.Income = s.Income.Add(t.Amount)
		case core.Expense:
			s.Expense = s.Expense.Add(t.Amount)
		}
	}
	s.Net = s.Income.Sub(s.Expense)
	s.Remaining = monthlyIncome.Sub(s.Expense)
	if monthlyIncome.Cents > 0 {
		pct, _ := s.Expense.Decimal().Div(monthlyIncome.Decimal()).Shift(2).Round(1).Float64()
		s.SpentPercent = min(pct, 100)
	}
	return s
}

// ExpensesByCategory groups expenses, largest first.
func ExpensesByCategory(txs []core.Transaction) []core.CategoryAmount {
	totals := map[string]core.Money{}
	for _, t := range txs {
		if t.Type != core.Expense {
			continue
		}
		totals[t.Category] = totals[t.Category].Add(t.Amount)
	}
	out := make([]core.CategoryAmount, 0, len(totals))
	for name, amount := range totals {
		out = append(out, core.CategoryAmount{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount.Cents != out[j].Amount.Cents {
			return out[i].Amount.Cents > out[j].Amount.Cents
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DailyExpenses returns one entry per calendar day of window, oldest first,
// with days in loc.
func DailyExpenses(window core.CycleWindow, txs []core.Transaction, loc *time.Location) []core.DailyAmount {
	if window.IsZero() {
		return nil
	}
	byDay := map[time.Time]core.Money{}
	for _, t := range txs {
		if t.Type != core.Expense {
			continue
		}
		d := midnight(t.Date, loc)
		byDay[d] = byDay[d].Add(t.Amount)
	}

	var out []core.DailyAmount
	for d := midnight(window.Start, loc); !d.After(window.End); d = d.AddDate(0, 0, 1) {
		out = append(out, core.DailyAmount{Day: d, Amount: byDay[d]})
	}
	return out
}

// FilterTransactions keeps entries whose category or note contains query,
// case-insensitively. An empty query keeps everything.
func FilterTransactions(txs []core.Transaction, query string) []core.Transaction {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return txs
	}
	var out []core.Transaction
	for _, t := range txs {
		if strings.Contains(strings.ToLower(t.Category), query) ||
			strings.Contains(strings.ToLower(t.Note), query) {
			out = append(out, t)
		}
	}
	return out
}

// BuildMonthOverview totals the transactions of one calendar month.
func BuildMonthOverview(year int, month time.Month, txs []core.Transaction) core.MonthOverview {
	o := core.MonthOverview{
		Year:         year,
		Month:        int(month),
		ByCategory:   ExpensesByCategory(txs),
		Transactions: txs,
	}
	for _, t := range txs {
		switch t.Type {
		case core.Income:
			o.Income = o.Income.Add(t.Amount)
		case core.Expense:
			o.Expense = o.Expense.Add(t.Amount)
		}
	}
	if o.Transactions == nil {
		o.Transactions = []core.Transaction{}
	}
	return o
}

// MonthBounds returns the first and last instant of a calendar month.
func MonthBounds(year int, month time.Month, loc *time.Location) core.CycleWindow {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return core.CycleWindow{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
