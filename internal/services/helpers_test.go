package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// manualSubscriber hands out subscriptions whose callbacks are driven by
// the test.
type manualSubscriber struct {
	mu   sync.Mutex
	subs []*manualSub
	err  error
}

type manualSub struct {
	q          storage.TransactionQuery
	onSnapshot func([]core.Transaction)
	onError    func(error)

	mu        sync.Mutex
	cancelled bool
}

func (m *manualSub) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = true
}

func (m *manualSub) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (f *manualSubscriber) Subscribe(_ context.Context, q storage.TransactionQuery, onSnapshot func([]core.Transaction), onError func(error)) (storage.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &manualSub{q: q, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *manualSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *manualSubscriber) last() *manualSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

// recordingPublisher counts ledger change announcements.
type recordingPublisher struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (p *recordingPublisher) PublishLedgerChanged(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
