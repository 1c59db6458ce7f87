package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

// StreamState is what a LedgerStream currently exposes. Snapshot is shared
// between observers and must not be modified.
type StreamState struct {
	UserID   string
	Window   core.CycleWindow
	Snapshot []core.Transaction
	// Version counts snapshots delivered for the current (user, window).
	Version uint64
	Loading bool
	Err     error
}

// LedgerStream keeps one live subscription on the transactions of a user
// inside a cycle window.
type LedgerStream struct {
	subscriber storage.SnapshotSubscriber

	// notifyMu serializes observer calls so they see states in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	bound     bool
	active    storage.Subscription
	state     StreamState
	listeners map[int]func(StreamState)
	nextID    int
}

func NewLedgerStream(subscriber storage.SnapshotSubscriber) *LedgerStream {
	return &LedgerStream{
		subscriber: subscriber,
		listeners:  make(map[int]func(StreamState)),
	}
}

// Update points the stream at (userID, window). Keys are compared by value,
// so an equal window is a no-op. Otherwise the previous subscription is torn
// down before the new one is created.
func (s *LedgerStream) Update(ctx context.Context, userID string, window core.CycleWindow) error {
	s.mu.Lock()
	if s.bound && s.state.UserID == userID && s.state.Window.Equal(window) {
		s.mu.Unlock()
		return nil
	}
	old := s.active
	s.active = nil
	s.bound = true
	s.gen++
	gen := s.gen
	s.state = StreamState{UserID: userID, Window: window, Loading: true}
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	s.publish(gen)

	slog.DebugContext(ctx, "Subscribing to ledger",
		"user_id", userID,
		"window_start", window.Start,
		"window_end", window.End)

	sub, err := s.subscriber.Subscribe(ctx, storage.WindowQuery(userID, window),
		func(txs []core.Transaction) { s.deliver(gen, txs) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.bound = false
		}
		s.mu.Unlock()
		err = asSubscriptionError(err)
		s.fail(gen, err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Superseded while subscribing.
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.active = sub
	s.mu.Unlock()
	return nil
}

// Close releases the subscription and clears the state.
func (s *LedgerStream) Close() {
	s.mu.Lock()
	old := s.active
	s.active = nil
	s.bound = false
	s.gen++
	gen := s.gen
	s.state = StreamState{}
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	s.publish(gen)
}

func (s *LedgerStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen registers fn for every state change and returns a function that
// removes it. fn must not call Update or Close.
func (s *LedgerStream) Listen(fn func(StreamState)) func() {
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

func (s *LedgerStream) deliver(gen uint64, txs []core.Transaction) {
	s.apply(gen, func(st *StreamState) {
		st.Snapshot = txs
		st.Version++
		st.Loading = false
		st.Err = nil
	})
}

func (s *LedgerStream) fail(gen uint64, err error) {
	err = asSubscriptionError(err)
	s.apply(gen, func(st *StreamState) {
		st.Loading = false
		st.Err = err
	})
}

// apply mutates the state if gen is still current and notifies observers.
// Results of superseded subscriptions are dropped.
func (s *LedgerStream) apply(gen uint64, mutate func(*StreamState)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	mutate(&s.state)
	st, listeners := s.state, s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

func (s *LedgerStream) publish(gen uint64) {
	s.apply(gen, func(*StreamState) {})
}

func (s *LedgerStream) snapshotListeners() []func(StreamState) {
	out := make([]func(StreamState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func asSubscriptionError(err error) error {
	if errors.Is(err, core.ErrSubscription) {
		return err
	}
	return core.SubscriptionError("subscribe", err)
}
