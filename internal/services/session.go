package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rupeek/internal/cache"
	"rupeek/internal/core"
	"rupeek/internal/storage"
)

const (
	historyCacheSize = 24
	historyCacheTTL  = time.Minute
)

// EventKind names the part of a session that changed.
type EventKind string

const (
	EventLedger     EventKind = "ledger"
	EventBalance    EventKind = "balance"
	EventReconciler EventKind = "reconciler"
	EventProfile    EventKind = "profile"
	EventWindow     EventKind = "window"
	EventClosed     EventKind = "closed"
)

type Event struct {
	Kind   EventKind
	UserID string
}

type SessionConfig struct {
	Location *time.Location
	Now      func() time.Time
	// CycleCheckInterval is how often the session looks for a cycle
	// rollover. Zero disables the background check.
	CycleCheckInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session wires the ledger components of one signed-in user together.
type Session struct {
	userID     string
	store      storage.Store
	cfg        SessionConfig
	writer     *TransactionWriter
	stream     *LedgerStream
	balance    *BalanceAggregator
	reconciler *Reconciler
	// history caches month overviews until the ledger changes.
	history *cache.LRUCache[core.MonthOverview]

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifecycle orders resubscriptions against Close.
	lifecycle sync.Mutex

	mu        sync.Mutex
	profile   core.UserProfile
	window    core.CycleWindow
	started   bool
	closed    bool
	unlisten  []func()
	listeners map[int]func(Event)
	nextID    int
}

func NewSession(userID string, store storage.Store, publisher ChangePublisher, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	writer := NewTransactionWriter(store, publisher, cfg.Location, cfg.Now)
	history := cache.NewLRUCache[core.MonthOverview](historyCacheSize, historyCacheTTL)
	history.SetNow(cfg.Now)
	return &Session{
		userID:     userID,
		store:      store,
		cfg:        cfg,
		writer:     writer,
		stream:     NewLedgerStream(store),
		balance:    NewBalanceAggregator(store),
		reconciler: NewReconciler(store, writer, cfg.Now),
		history:    history,
		listeners:  make(map[int]func(Event)),
	}
}

func (s *Session) UserID() string { return s.userID }

// Start loads the profile, subscribes to the current cycle and computes the
// balance. Users without a stored profile get the defaults.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	profile, err := s.store.GetProfile(ctx, s.userID)
	if errors.Is(err, core.ErrNotFound) {
		profile = core.DefaultProfile(s.userID)
	} else if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("load profile: %w", err)
	}

	s.bgCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	window := ComputeWindow(profile.SalaryDate, s.cfg.Now().In(s.cfg.Location))

	s.mu.Lock()
	s.profile = profile
	s.window = window
	s.unlisten = append(s.unlisten,
		s.stream.Listen(s.onLedger),
		s.balance.Listen(func(BalanceState) { s.emit(EventBalance) }),
		s.reconciler.Listen(func(ReconcileState) { s.emit(EventReconciler) }),
	)
	s.mu.Unlock()

	slog.InfoContext(ctx, "Session started",
		"user_id", s.userID,
		"salary_date", profile.SalaryDate,
		"window_start", window.Start,
		"window_end", window.End)

	s.reconciler.Reset(s.userID, window)
	// A failed subscription leaves the stream in its error state; the
	// session stays usable and retries on the next window change.
	if err := s.stream.Update(s.bgCtx, s.userID, window); err != nil {
		slog.WarnContext(ctx, "Ledger subscription failed", "user_id", s.userID, "error", err)
	}
	s.refreshBalance()

	if s.cfg.CycleCheckInterval > 0 {
		s.wg.Add(1)
		go s.watchCycle(s.cfg.CycleCheckInterval)
	}
	return nil
}

// Close tears down the subscription and waits for background work.
func (s *Session) Close() {
	s.lifecycle.Lock()
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return
	}
	s.closed = true
	unlisten := s.unlisten
	s.unlisten = nil
	s.mu.Unlock()

	for _, fn := range unlisten {
		fn()
	}
	s.cancel()
	s.stream.Close()
	s.balance.Reset()
	s.lifecycle.Unlock()

	s.wg.Wait()
	s.emit(EventClosed)
	slog.Info("Session closed", "user_id", s.userID)
}

func (s *Session) watchCycle(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			s.CheckCycle(s.bgCtx, s.cfg.Now())
			s.history.CleanExpired()
		}
	}
}

// CheckCycle recomputes the window for now and resubscribes when a new
// cycle has started. It reports whether the window changed.
func (s *Session) CheckCycle(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	window := ComputeWindow(s.profile.SalaryDate, now.In(s.cfg.Location))
	if window.Equal(s.window) {
		s.mu.Unlock()
		return false
	}
	s.window = window
	s.mu.Unlock()

	slog.InfoContext(ctx, "Cycle changed",
		"user_id", s.userID,
		"window_start", window.Start,
		"window_end", window.End)
	s.switchWindow(ctx)
	return true
}

// switchWindow moves the stream and reconciler to the session's current
// window.
func (s *Session) switchWindow(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.isClosed() {
		return
	}
	window := s.Window()
	s.reconciler.Reset(s.userID, window)
	if err := s.stream.Update(s.bgCtx, s.userID, window); err != nil {
		slog.WarnContext(ctx, "Ledger subscription failed", "user_id", s.userID, "error", err)
	}
	s.emit(EventWindow)
}

func (s *Session) onLedger(st StreamState) {
	if st.UserID != s.userID {
		return
	}
	s.history.Purge()
	if !st.Loading && st.Version > 0 && st.Err == nil {
		s.reconciler.Evaluate(st.UserID, st.Window, st.Snapshot, s.Profile())
		s.refreshBalance()
	}
	s.emit(EventLedger)
}

func (s *Session) refreshBalance() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.balance.Refresh(s.bgCtx, s.userID)
	}()
}

// Listen registers fn for session events and returns a function that
// removes it.
func (s *Session) Listen(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) emit(kind EventKind) {
	s.mu.Lock()
	listeners := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	ev := Event{Kind: kind, UserID: s.userID}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Profile() core.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Session) Window() core.CycleWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *Session) Ledger() StreamState { return s.stream.State() }

func (s *Session) Balance() BalanceState { return s.balance.State() }

func (s *Session) Reconciliation() ReconcileState { return s.reconciler.State() }

func (s *Session) Summary() core.CycleSummary {
	st := s.stream.State()
	return SummarizeCycle(st.Window, st.Snapshot, s.Profile().MonthlyIncome)
}

func (s *Session) Categories() []core.CategoryAmount {
	return ExpensesByCategory(s.stream.State().Snapshot)
}

func (s *Session) DailyTrend() []core.DailyAmount {
	st := s.stream.State()
	return DailyExpenses(st.Window, st.Snapshot, s.cfg.Location)
}

// Recent returns the n newest transactions of the current cycle.
func (s *Session) Recent(n int) []core.Transaction {
	snap := s.stream.State().Snapshot
	if n >= 0 && len(snap) > n {
		snap = snap[:n]
	}
	return append([]core.Transaction(nil), snap...)
}

// History lists one calendar month, independent of the cycle, filtered by
// query on category and note.
func (s *Session) History(ctx context.Context, year int, month time.Month, query string) (core.MonthOverview, error) {
	key := fmt.Sprintf("%04d-%02d|%s", year, month, strings.ToLower(strings.TrimSpace(query)))
	if o, ok := s.history.Get(key); ok {
		return o, nil
	}

	bounds := MonthBounds(year, month, s.cfg.Location)
	txs, err := s.store.ListTransactions(ctx, storage.WindowQuery(s.userID, bounds))
	if err != nil {
		return core.MonthOverview{}, fmt.Errorf("list month %d-%02d: %w", year, month, err)
	}
	core.SortSnapshot(txs)
	o := BuildMonthOverview(year, month, FilterTransactions(txs, query))
	s.history.Set(key, o)
	return o, nil
}

func (s *Session) AddTransaction(ctx context.Context, e Entry) (string, error) {
	id, err := s.writer.Add(ctx, s.userID, e)
	if err == nil {
		s.history.Purge()
	}
	return id, err
}

func (s *Session) DeleteTransaction(ctx context.Context, id string) error {
	err := s.writer.Delete(ctx, s.userID, id)
	if err == nil {
		s.history.Purge()
	}
	return err
}

func (s *Session) ConfirmSalary(ctx context.Context, amount core.Money) (ConfirmResult, error) {
	res, err := s.reconciler.Confirm(ctx, amount)
	if err != nil {
		return res, err
	}
	s.history.Purge()
	if res.ProfileUpdated {
		s.mu.Lock()
		s.profile = res.Profile
		s.mu.Unlock()
		s.emit(EventProfile)
	}
	return res, nil
}

func (s *Session) DismissSalary() error {
	return s.reconciler.Dismiss()
}

// UpdateProfile applies a partial profile edit. A new salary date moves the
// session to the matching cycle. A new monthly income only changes pending
// and future suggestions; recorded entries are never rewritten.
func (s *Session) UpdateProfile(ctx context.Context, u core.ProfileUpdate) (core.UserProfile, error) {
	if err := u.Validate(); err != nil {
		return core.UserProfile{}, err
	}
	p, err := s.store.UpdateProfile(ctx, s.userID, u)
	if err != nil {
		return core.UserProfile{}, profileWriteError(err)
	}
	s.applyProfile(ctx, p)
	return p, nil
}

// SaveProfile stores a complete profile, typically at onboarding.
func (s *Session) SaveProfile(ctx context.Context, p core.UserProfile) (core.UserProfile, error) {
	p.UserID = s.userID
	if p.MonthlyIncome.Cents < 0 {
		return core.UserProfile{}, &core.ValidationError{Field: "monthly_income", Err: core.ErrNegativeAmount}
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return core.UserProfile{}, profileWriteError(err)
	}
	saved, err := s.store.GetProfile(ctx, s.userID)
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("reload profile: %w", err)
	}
	s.applyProfile(ctx, saved)
	return saved, nil
}

func (s *Session) applyProfile(ctx context.Context, p core.UserProfile) {
	s.mu.Lock()
	s.profile = p
	window := ComputeWindow(p.SalaryDate, s.cfg.Now().In(s.cfg.Location))
	changed := !window.Equal(s.window)
	s.window = window
	s.mu.Unlock()

	slog.InfoContext(ctx, "Profile updated", "user_id", s.userID, "salary_date", p.SalaryDate)
	s.emit(EventProfile)

	if changed {
		s.switchWindow(ctx)
	} else if st := s.stream.State(); st.Version > 0 {
		s.reconciler.Evaluate(s.userID, st.Window, st.Snapshot, p)
	}
}

func profileWriteError(err error) error {
	if errors.Is(err, core.ErrValidation) {
		return err
	}
	return core.WriteError("save profile", err)
}
