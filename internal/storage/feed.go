package storage

import (
	"context"
	"log/slog"
	"sync"

	"rupeek/internal/core"
)

// Feed fans out per-user change signals to live subscriptions. Signals are
// coalesced: a watcher that is busy re-querying sees at most one pending
// change, which is enough since every delivery is a full snapshot.
type Feed struct {
	mu       sync.Mutex
	watchers map[string]map[*Watcher]struct{}
}

func NewFeed() *Feed {
	return &Feed{watchers: make(map[string]map[*Watcher]struct{})}
}

// Watcher receives change signals for one user.
type Watcher struct {
	feed   *Feed
	userID string
	ch     chan struct{}

	mu  sync.Mutex
	err error
}

// Watch registers a watcher for userID. Close it when done.
func (f *Feed) Watch(userID string) *Watcher {
	w := &Watcher{feed: f, userID: userID, ch: make(chan struct{}, 1)}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.watchers[userID]
	if !ok {
		set = make(map[*Watcher]struct{})
		f.watchers[userID] = set
	}
	set[w] = struct{}{}
	return w
}

// Notify signals every watcher of userID.
func (f *Feed) Notify(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range f.watchers[userID] {
		w.signal()
	}
}

// NotifyAll signals every watcher, e.g. after the upstream change source
// reconnected and events may have been missed.
func (f *Feed) NotifyAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.watchers {
		for w := range set {
			w.signal()
		}
	}
}

// Interrupt reports err to every watcher.
func (f *Feed) Interrupt(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.watchers {
		for w := range set {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.signal()
		}
	}
}

// Watching returns the number of registered watchers for userID.
func (f *Feed) Watching(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[userID])
}

func (w *Watcher) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *Watcher) Changes() <-chan struct{} { return w.ch }

// Err returns and clears the pending interruption, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.err
	w.err = nil
	return err
}

func (w *Watcher) Close() {
	f := w.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.watchers[w.userID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(f.watchers, w.userID)
		}
	}
}

// FetchFunc runs q once against the backing store.
type FetchFunc func(ctx context.Context, q TransactionQuery) ([]core.Transaction, error)

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() { s.cancel() }

// Subscribe turns fetch into a live query: the initial snapshot is delivered
// right away and the full result set is re-queried for every change signal
// of q.UserID. All callbacks run on a single goroutine owned by the
// subscription. The subscription outlives ctx; only Unsubscribe ends it.
func Subscribe(ctx context.Context, feed *Feed, q TransactionQuery, fetch FetchFunc, onSnapshot func([]core.Transaction), onError func(error)) Subscription {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	w := feed.Watch(q.UserID)

	deliver := func() {
		txs, err := fetch(ctx, q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.WarnContext(ctx, "Snapshot query failed", "user_id", q.UserID, "error", err)
			onError(core.SubscriptionError("query snapshot", err))
			return
		}
		core.SortSnapshot(txs)
		onSnapshot(txs)
	}

	go func() {
		defer close(sub.done)
		defer w.Close()
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.Changes():
				if err := w.Err(); err != nil {
					onError(core.SubscriptionError("change feed", err))
					continue
				}
				deliver()
			}
		}
	}()
	return sub
}
