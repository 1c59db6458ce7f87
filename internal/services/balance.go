package services

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

// ComputeAllTimeBalance sums income and expense with two filtered aggregate
// queries, issued concurrently, and combines them client side.
func ComputeAllTimeBalance(ctx context.Context, summer storage.AmountSummer, userID string) (core.Balance, error) {
	var income, expense core.Money
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := summer.SumAmount(gctx, userID, core.Income)
		income = m
		return err
	})
	g.Go(func() error {
		m, err := summer.SumAmount(gctx, userID, core.Expense)
		expense = m
		return err
	})
	if err := g.Wait(); err != nil {
		return core.Balance{}, core.AggregationError("sum amounts", err)
	}
	return core.Balance{Income: income, Expense: expense, Total: income.Sub(expense)}, nil
}

type BalanceState struct {
	Balance core.Balance
	// Ready is set once a balance has been computed at least once.
	Ready   bool
	Loading bool
	Err     error
}

// BalanceAggregator keeps the all-time balance of one user. A failed
// refresh keeps the previous balance and records the error.
type BalanceAggregator struct {
	summer storage.AmountSummer

	mu        sync.Mutex
	gen       uint64
	state     BalanceState
	listeners map[int]func(BalanceState)
	nextID    int
}

func NewBalanceAggregator(summer storage.AmountSummer) *BalanceAggregator {
	return &BalanceAggregator{
		summer:    summer,
		listeners: make(map[int]func(BalanceState)),
	}
}

// Refresh recomputes the balance. If a newer Refresh or a Reset happens
// while the queries are in flight, the result is discarded.
func (b *BalanceAggregator) Refresh(ctx context.Context, userID string) error {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.state.Loading = true
	b.mu.Unlock()

	bal, err := ComputeAllTimeBalance(ctx, b.summer, userID)

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return nil
	}
	b.state.Loading = false
	if err != nil {
		b.state.Err = err
	} else {
		b.state = BalanceState{Balance: bal, Ready: true}
	}
	st, listeners := b.state, b.snapshotListeners()
	b.mu.Unlock()

	if err != nil {
		slog.WarnContext(ctx, "Balance refresh failed, keeping previous balance",
			"user_id", userID,
			"error", err)
	}
	for _, fn := range listeners {
		fn(st)
	}
	return err
}

// Reset drops the balance and invalidates in-flight refreshes.
func (b *BalanceAggregator) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.state = BalanceState{}
}

func (b *BalanceAggregator) State() BalanceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BalanceAggregator) Listen(fn func(BalanceState)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *BalanceAggregator) snapshotListeners() []func(BalanceState) {
	out := make([]func(BalanceState), 0, len(b.listeners))
	for _, fn := range b.listeners {
		out = append(out, fn)
	}
	return out
}
