package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rupeek/internal/core"
	"rupeek/internal/storage"
	"rupeek/internal/storage/memory"
)

type reconcilerFixture struct {
	store  *memory.Store
	pub    *recordingPublisher
	rec    *Reconciler
	now    time.Time
	window core.CycleWindow
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	now := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	store := memory.New()
	pub := &recordingPublisher{}
	writer := NewTransactionWriter(store, pub, time.UTC, fixedClock(now))
	return &reconcilerFixture{
		store:  store,
		pub:    pub,
		rec:    NewReconciler(store, writer, fixedClock(now)),
		now:    now,
		window: ComputeWindow(25, now),
	}
}

func (f *reconcilerFixture) snapshot(t *testing.T) []core.Transaction {
	t.Helper()
	txs, err := f.store.ListTransactions(context.Background(), storage.WindowQuery("u1", f.window))
	if err != nil {
		t.Fatal(err)
	}
	return txs
}

func (f *reconcilerFixture) salaries(t *testing.T) []core.Transaction {
	t.Helper()
	var out []core.Transaction
	for _, tx := range f.snapshot(t) {
		if tx.IsSalary() {
			out = append(out, tx)
		}
	}
	return out
}

func profileWithIncome(cents int64) core.UserProfile {
	p := core.DefaultProfile("u1")
	p.SalaryDate = 25
	p.MonthlyIncome = core.Money{Cents: cents}
	return p
}

func TestReconcilerConfirmScenario(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	profile := profileWithIncome(450000)
	if err := f.store.SaveProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}

	f.rec.Evaluate("u1", f.window, nil, profile)
	st := f.rec.State()
	if st.Status != ReconcilePending || !st.HasSuggestion || st.Suggested.Cents != 450000 {
		t.Fatalf("expected pending with suggestion 4500, got %+v", st)
	}

	res, err := f.rec.Confirm(ctx, core.Money{Cents: 500000})
	if err != nil {
		t.Fatal(err)
	}
	tx := res.Transaction
	if tx.Type != core.Income || tx.Category != core.SalaryCategory || tx.Amount.Cents != 500000 {
		t.Fatalf("unexpected salary entry: %+v", tx)
	}
	if !tx.Date.Equal(f.now) || tx.Note != core.SalaryNote {
		t.Fatalf("salary entry should be dated now with the fixed note: %+v", tx)
	}
	if !res.ProfileUpdated || res.Profile.MonthlyIncome.Cents != 500000 {
		t.Fatalf("profile should be updated to 5000: %+v", res)
	}
	stored, _ := f.store.GetProfile(ctx, "u1")
	if stored.MonthlyIncome.Cents != 500000 {
		t.Fatalf("stored monthly income = %d", stored.MonthlyIncome.Cents)
	}
	if f.rec.State().Status != ReconcileResolved {
		t.Fatalf("expected resolved, got %s", f.rec.State().Status)
	}
	if f.pub.count() != 1 {
		t.Fatalf("salary write should be announced once, got %d", f.pub.count())
	}
}

func TestReconcilerSameAmountSkipsProfileWrite(t *testing.T) {
	f := newReconcilerFixture(t)
	profile := profileWithIncome(500000)
	f.rec.Evaluate("u1", f.window, nil, profile)

	f.store.InjectFaults(memory.Faults{Profile: errors.New("must not be called")})
	res, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProfileUpdated || res.ProfileErr != nil {
		t.Fatalf("profile should not be touched: %+v", res)
	}
}

func TestReconcilerNoSuggestionWithoutIncome(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(0))
	st := f.rec.State()
	if st.Status != ReconcilePending || st.HasSuggestion {
		t.Fatalf("expected pending without suggestion, got %+v", st)
	}
}

func TestReconcilerResolvesFromOtherWriter(t *testing.T) {
	f := newReconcilerFixture(t)
	profile := profileWithIncome(450000)
	f.rec.Evaluate("u1", f.window, nil, profile)

	snap := []core.Transaction{{ID: "x", UserID: "u1", Type: core.Income, Category: core.SalaryCategory, Date: f.now}}
	f.rec.Evaluate("u1", f.window, snap, profile)
	if f.rec.State().Status != ReconcileResolved {
		t.Fatalf("expected resolved, got %s", f.rec.State().Status)
	}

	// Deleting the entry brings the prompt back.
	f.rec.Evaluate("u1", f.window, nil, profile)
	if f.rec.State().Status != ReconcilePending {
		t.Fatalf("expected pending again, got %s", f.rec.State().Status)
	}
}

func TestReconcilerIgnoresSalaryTaggedExpense(t *testing.T) {
	f := newReconcilerFixture(t)
	snap := []core.Transaction{{ID: "x", Type: core.Expense, Category: core.SalaryCategory}}
	f.rec.Evaluate("u1", f.window, snap, profileWithIncome(1))
	if f.rec.State().Status != ReconcilePending {
		t.Fatalf("expense in Salary category must not resolve, got %s", f.rec.State().Status)
	}
}

func TestReconcilerRejectsConcurrentConfirm(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(500000))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.SetHooks(memory.Hooks{BeforeCreate: func(context.Context, string, core.NewTransaction) {
		close(entered)
		<-release
	}})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.rec.Confirm(context.Background(), core.Money{Cents: 500000})
	}()
	<-entered

	if st := f.rec.State().Status; st != ReconcileConfirming {
		t.Fatalf("expected confirming, got %s", st)
	}
	if _, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000}); !errors.Is(err, ErrConfirmInProgress) {
		t.Fatalf("second confirm should be rejected, got %v", err)
	}

	close(release)
	wg.Wait()
	if firstErr != nil {
		t.Fatal(firstErr)
	}
	if n := len(f.salaries(t)); n != 1 {
		t.Fatalf("expected exactly one salary entry, got %d", n)
	}

	if _, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000}); !errors.Is(err, core.ErrReconciliationConflict) {
		t.Fatalf("confirm after resolution should conflict, got %v", err)
	}
}

func TestReconcilerDetectsConflictBeforeWriting(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(500000))

	// Another device records the salary before our snapshot refreshes.
	_, err := f.store.CreateTransaction(ctx, "u1", core.NewTransaction{
		Type: core.Income, Amount: core.Money{Cents: 500000}, Category: core.SalaryCategory, Date: f.now,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.rec.Confirm(ctx, core.Money{Cents: 500000})
	if !errors.Is(err, core.ErrReconciliationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := len(f.salaries(t)); n != 1 {
		t.Fatalf("conflict must not write a duplicate, got %d salary entries", n)
	}
	if st := f.rec.State().Status; st != ReconcileResolved {
		t.Fatalf("expected resolved after conflict, got %s", st)
	}
}

func TestReconcilerWriteFailureReturnsToPending(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(500000))
	f.store.InjectFaults(memory.Faults{Create: errors.New("quota exceeded")})

	_, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000})
	if !errors.Is(err, core.ErrWrite) {
		t.Fatalf("expected write error, got %v", err)
	}
	if st := f.rec.State().Status; st != ReconcilePending {
		t.Fatalf("expected pending after failed write, got %s", st)
	}
}

func TestReconcilerProfileFailureKeepsTransaction(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(450000))
	f.store.InjectFaults(memory.Faults{Profile: errors.New("profile locked")})

	res, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000})
	if err != nil {
		t.Fatalf("transaction write is authoritative, got %v", err)
	}
	if res.ProfileUpdated || !errors.Is(res.ProfileErr, core.ErrWrite) {
		t.Fatalf("expected profile error in result: %+v", res)
	}
	if n := len(f.salaries(t)); n != 1 {
		t.Fatalf("salary entry must stand, got %d", n)
	}
}

func TestReconcilerStaysResolvedUntilOwnWriteIsVisible(t *testing.T) {
	f := newReconcilerFixture(t)
	profile := profileWithIncome(500000)
	f.rec.Evaluate("u1", f.window, nil, profile)

	res, err := f.rec.Confirm(context.Background(), core.Money{Cents: 500000})
	if err != nil {
		t.Fatal(err)
	}

	// A snapshot taken before the write lands must not re-open the prompt.
	f.rec.Evaluate("u1", f.window, nil, profile)
	if st := f.rec.State().Status; st != ReconcileResolved {
		t.Fatalf("expected resolved, got %s", st)
	}

	f.rec.Evaluate("u1", f.window, []core.Transaction{res.Transaction}, profile)
	f.rec.Evaluate("u1", f.window, nil, profile)
	if st := f.rec.State().Status; st != ReconcilePending {
		t.Fatalf("once seen, removing the entry should re-open the prompt, got %s", st)
	}
}

func TestReconcilerWindowChangeResets(t *testing.T) {
	f := newReconcilerFixture(t)
	profile := profileWithIncome(500000)
	salary := []core.Transaction{{ID: "s", Type: core.Income, Category: core.SalaryCategory}}
	f.rec.Evaluate("u1", f.window, salary, profile)

	next := ComputeWindow(25, time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC))
	f.rec.Reset("u1", next)
	if st := f.rec.State(); st.Status != ReconcileIdle || !st.Window.Equal(next) {
		t.Fatalf("expected idle for the new window, got %+v", st)
	}
	f.rec.Evaluate("u1", next, nil, profile)
	if st := f.rec.State().Status; st != ReconcilePending {
		t.Fatalf("new cycle without salary should be pending, got %s", st)
	}
}

func TestReconcilerDismiss(t *testing.T) {
	f := newReconcilerFixture(t)
	profile := profileWithIncome(500000)

	if err := f.rec.Dismiss(); !errors.Is(err, ErrNotPending) {
		t.Fatalf("dismiss while idle should fail, got %v", err)
	}

	f.rec.Evaluate("u1", f.window, nil, profile)
	if err := f.rec.Dismiss(); err != nil {
		t.Fatal(err)
	}
	f.rec.Evaluate("u1", f.window, nil, profile)
	if st := f.rec.State().Status; st != ReconcileDismissed {
		t.Fatalf("dismissal should hold for the cycle, got %s", st)
	}
	if _, err := f.rec.Confirm(context.Background(), core.Money{Cents: 1}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("confirm after dismiss should fail, got %v", err)
	}

	next := ComputeWindow(25, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	f.rec.Evaluate("u1", next, nil, profile)
	if st := f.rec.State().Status; st != ReconcilePending {
		t.Fatalf("new cycle should prompt again, got %s", st)
	}
}

func TestReconcilerConfirmValidatesAmount(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(0))
	if _, err := f.rec.Confirm(context.Background(), core.Money{}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if st := f.rec.State().Status; st != ReconcilePending {
		t.Fatalf("invalid amount must not change state, got %s", st)
	}
}

func TestReconcilerSuggestionFollowsProfile(t *testing.T) {
	f := newReconcilerFixture(t)
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(450000))
	f.rec.Evaluate("u1", f.window, nil, profileWithIncome(480000))
	if got := f.rec.State().Suggested.Cents; got != 480000 {
		t.Fatalf("pending suggestion should follow the profile, got %d", got)
	}
}
