package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

type ReconcileStatus string

const (
	ReconcileIdle       ReconcileStatus = "idle"
	ReconcilePending    ReconcileStatus = "pending_confirmation"
	ReconcileConfirming ReconcileStatus = "confirming"
	ReconcileResolved   ReconcileStatus = "resolved"
	// ReconcileDismissed hides the prompt for the rest of the cycle.
	ReconcileDismissed ReconcileStatus = "dismissed"
)

var (
	ErrConfirmInProgress = errors.New("recurring income confirmation already in progress")
	ErrNotPending        = errors.New("no recurring income confirmation pending")
)

type ReconcileState struct {
	Status ReconcileStatus  `json:"status"`
	Window core.CycleWindow `json:"window"`
	// Suggested is the profile's monthly income; only meaningful when
	// HasSuggestion is set.
	Suggested     core.Money `json:"suggested"`
	HasSuggestion bool       `json:"has_suggestion"`
}

type ConfirmResult struct {
	Transaction core.Transaction
	// Profile is the updated profile when ProfileUpdated is set.
	Profile        core.UserProfile
	ProfileUpdated bool
	// ProfileErr is set when the secondary profile write failed. The
	// recorded transaction stands regardless.
	ProfileErr error
}

type reconcilerStore interface {
	storage.TransactionLister
	storage.ProfileWriter
}

// Reconciler tracks whether the current cycle has received its recurring
// income entry and records it once on confirmation.
type Reconciler struct {
	store  reconcilerStore
	writer *TransactionWriter
	now    func() time.Time

	mu         sync.Mutex
	userID     string
	state      ReconcileState
	profile    core.UserProfile
	sawSalary  bool
	recordedID string
	listeners  map[int]func(ReconcileState)
	nextID     int
}

func NewReconciler(store reconcilerStore, writer *TransactionWriter, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:     store,
		writer:    writer,
		now:       now,
		state:     ReconcileState{Status: ReconcileIdle},
		listeners: make(map[int]func(ReconcileState)),
	}
}

// Evaluate re-runs the state machine against the snapshot of window. A
// different window or user resets the machine before evaluating.
func (r *Reconciler) Evaluate(userID string, window core.CycleWindow, snapshot []core.Transaction, profile core.UserProfile) {
	r.mu.Lock()
	if r.userID != userID || !r.state.Window.Equal(window) {
		r.resetLocked(userID, window)
	}
	r.profile = profile
	r.sawSalary = core.HasSalary(snapshot)
	if r.recordedID != "" && containsID(snapshot, r.recordedID) {
		r.recordedID = ""
	}

	switch {
	case r.state.Status == ReconcileConfirming:
		// The in-flight confirmation decides the outcome.
	case r.recordedID != "":
		// Our own write has not reached the snapshot yet.
		r.state.Status = ReconcileResolved
	case r.sawSalary:
		r.state.Status = ReconcileResolved
	case r.state.Status == ReconcileDismissed:
	default:
		r.setPendingLocked()
	}
	st, listeners := r.state, r.snapshotListeners()
	r.mu.Unlock()

	r.notify(st, listeners)
}

// Reset moves the machine to Idle for a new window.
func (r *Reconciler) Reset(userID string, window core.CycleWindow) {
	r.mu.Lock()
	r.resetLocked(userID, window)
	st, listeners := r.state, r.snapshotListeners()
	r.mu.Unlock()

	r.notify(st, listeners)
}

func (r *Reconciler) resetLocked(userID string, window core.CycleWindow) {
	r.userID = userID
	r.state = ReconcileState{Status: ReconcileIdle, Window: window}
	r.sawSalary = false
	r.recordedID = ""
}

func (r *Reconciler) setPendingLocked() {
	r.state.Status = ReconcilePending
	r.state.HasSuggestion = r.profile.MonthlyIncome.Cents > 0
	if r.state.HasSuggestion {
		r.state.Suggested = r.profile.MonthlyIncome
	} else {
		r.state.Suggested = core.Money{}
	}
}

// Confirm records the recurring income for the current cycle. Only one
// confirmation runs at a time; a second call gets ErrConfirmInProgress.
// If another writer already recorded the entry, nothing is written and
// ErrReconciliationConflict is returned.
func (r *Reconciler) Confirm(ctx context.Context, amount core.Money) (ConfirmResult, error) {
	if amount.Cents <= 0 {
		return ConfirmResult{}, &core.ValidationError{Field: "amount", Err: core.ErrInvalidAmount}
	}

	r.mu.Lock()
	switch r.state.Status {
	case ReconcilePending:
	case ReconcileConfirming:
		r.mu.Unlock()
		return ConfirmResult{}, ErrConfirmInProgress
	case ReconcileResolved:
		r.mu.Unlock()
		return ConfirmResult{}, core.ErrReconciliationConflict
	default:
		r.mu.Unlock()
		return ConfirmResult{}, ErrNotPending
	}
	r.state.Status = ReconcileConfirming
	userID, window, profile := r.userID, r.state.Window, r.profile
	st, listeners := r.state, r.snapshotListeners()
	r.mu.Unlock()
	r.notify(st, listeners)

	existing, err := r.store.ListTransactions(ctx, storage.WindowQuery(userID, window))
	if err != nil {
		r.finishConfirm(window, "")
		return ConfirmResult{}, core.WriteError("check recurring income", err)
	}
	if core.HasSalary(existing) {
		slog.InfoContext(ctx, "Recurring income already recorded, skipping confirmation",
			"user_id", userID,
			"window_start", window.Start)
		r.mu.Lock()
		if r.state.Window.Equal(window) {
			r.sawSalary = true
		}
		r.mu.Unlock()
		r.finishConfirm(window, "")
		return ConfirmResult{}, core.ErrReconciliationConflict
	}

	tx, err := r.writer.Record(ctx, userID, core.NewTransaction{
		Type:     core.Income,
		Amount:   amount,
		Category: core.SalaryCategory,
		Date:     r.now().In(window.Start.Location()),
		Note:     core.SalaryNote,
	})
	if err != nil {
		r.finishConfirm(window, "")
		return ConfirmResult{}, err
	}
	r.finishConfirm(window, tx.ID)

	result := ConfirmResult{Transaction: tx}
	if amount != profile.MonthlyIncome {
		updated, err := r.store.UpdateProfile(ctx, userID, core.ProfileUpdate{MonthlyIncome: &amount})
		if err != nil {
			slog.WarnContext(ctx, "Recurring income recorded but profile update failed",
				"user_id", userID,
				"error", err)
			result.ProfileErr = core.WriteError("update monthly income", err)
		} else {
			result.Profile = updated
			result.ProfileUpdated = true
			r.mu.Lock()
			if r.userID == userID {
				r.profile = updated
			}
			r.mu.Unlock()
		}
	}
	return result, nil
}

// finishConfirm leaves Confirming. recordedID is the written entry, if any.
// A window change during the confirmation has already reset the machine.
func (r *Reconciler) finishConfirm(window core.CycleWindow, recordedID string) {
	r.mu.Lock()
	if r.state.Status != ReconcileConfirming || !r.state.Window.Equal(window) {
		r.mu.Unlock()
		return
	}
	switch {
	case recordedID != "":
		r.recordedID = recordedID
		r.state.Status = ReconcileResolved
	case r.sawSalary:
		r.state.Status = ReconcileResolved
	default:
		r.setPendingLocked()
	}
	st, listeners := r.state, r.snapshotListeners()
	r.mu.Unlock()

	r.notify(st, listeners)
}

// Dismiss hides a pending confirmation until the next cycle or until a
// recurring income entry shows up.
func (r *Reconciler) Dismiss() error {
	r.mu.Lock()
	if r.state.Status != ReconcilePending {
		r.mu.Unlock()
		return ErrNotPending
	}
	r.state.Status = ReconcileDismissed
	st, listeners := r.state, r.snapshotListeners()
	r.mu.Unlock()

	r.notify(st, listeners)
	return nil
}

func (r *Reconciler) State() ReconcileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Listen(fn func(ReconcileState)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Reconciler) snapshotListeners() []func(ReconcileState) {
	out := make([]func(ReconcileState), 0, len(r.listeners))
	for _, fn := range r.listeners {
		out = append(out, fn)
	}
	return out
}

func (r *Reconciler) notify(st ReconcileState, listeners []func(ReconcileState)) {
	for _, fn := range listeners {
		fn(st)
	}
}

func containsID(txs []core.Transaction, id string) bool {
	for _, t := range txs {
		if t.ID == id {
			return true
		}
	}
	return false
}
