package core

import "time"

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string `json:"name"`
	Amount Money  `json:"amount"`
}

// DailyAmount is the expense total of one calendar day.
type DailyAmount struct {
	Day    time.Time `json:"day"`
	Amount Money     `json:"amount"`
}

// Balance is the all-time signed total of a user's ledger.
type Balance struct {
	Income  Money `json:"income"`
	Expense Money `json:"expense"`
	Total   Money `json:"total"`
}

// CycleSummary aggregates the transactions of one cycle window.
type CycleSummary struct {
	Window        CycleWindow `json:"window"`
	Income        Money       `json:"income"`
	Expense       Money       `json:"expense"`
	Net           Money       `json:"net"`
	MonthlyIncome Money       `json:"monthly_income"`
	Remaining     Money       `json:"remaining"`
	SpentPercent  float64     `json:"spent_percent"`
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Year         int              `json:"year"`
	Month        int              `json:"month"` // 1-12
	Income       Money            `json:"income"`
	Expense      Money            `json:"expense"`
	ByCategory   []CategoryAmount `json:"by_category"`
	Transactions []Transaction    `json:"transactions"`
}
