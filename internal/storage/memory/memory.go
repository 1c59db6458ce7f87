// Package memory is an in-process document store used for development and
// tests. It honours the same live-query contract as the durable backends.
package memory

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

// Faults makes the matching operations fail while set.
type Faults struct {
	Query   error
	Sum     error
	Create  error
	Delete  error
	Profile error
}

// Hooks run before the matching operation, outside the store lock.
type Hooks struct {
	BeforeCreate func(ctx context.Context, userID string, tx core.NewTransaction)
	BeforeSum    func(ctx context.Context, userID string, typ core.TransactionType)
}

type Store struct {
	mu       sync.Mutex
	items    []core.Transaction
	profiles map[string]core.UserProfile
	feed     *storage.Feed
	now      func() time.Time
	faults   Faults
	hooks    Hooks
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		profiles: make(map[string]core.UserProfile),
		feed:     storage.NewFeed(),
		now:      time.Now,
	}
}

// NewFromFile seeds a store from a pipe-separated file with one transaction
// per line: user|type|amount|category|YYYY-MM-DD|note. Blank lines and
// lines starting with # are skipped. A missing file yields an empty store.
func NewFromFile(path string, loc *time.Location) *Store {
	s := New()
	for i, line := range readLines(path) {
		tx, err := parseSeedLine(line, loc)
		if err != nil {
			slog.Warn("Skipping seed line", "path", path, "entry", i+1, "error", err)
			continue
		}
		s.Seed(tx)
	}
	return s
}

// Feed exposes the change hub so other processes' writes can be injected.
func (s *Store) Feed() *storage.Feed { return s.feed }

func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) InjectFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// Seed inserts fully formed transactions, assigning missing IDs and
// creation times.
func (s *Store) Seed(txs ...core.Transaction) {
	users := map[string]struct{}{}
	s.mu.Lock()
	for _, t := range txs {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = s.now().UTC()
		}
		s.items = append(s.items, t)
		users[t.UserID] = struct{}{}
	}
	s.mu.Unlock()
	for u := range users {
		s.feed.Notify(u)
	}
}

func (s *Store) Subscribe(ctx context.Context, q storage.TransactionQuery, onSnapshot func([]core.Transaction), onError func(error)) (storage.Subscription, error) {
	if q.UserID == "" {
		return nil, core.SubscriptionError("subscribe", fmt.Errorf("missing user id"))
	}
	return storage.Subscribe(ctx, s.feed, q, s.ListTransactions, onSnapshot, onError), nil
}

func (s *Store) ListTransactions(_ context.Context, q storage.TransactionQuery) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Query != nil {
		return nil, s.faults.Query
	}
	var out []core.Transaction
	for _, t := range s.items {
		if q.Matches(t) {
			out = append(out, t)
		}
	}
	core.SortSnapshot(out)
	return out, nil
}

// CreateTransaction stores the transaction and returns it with its new ID.
func (s *Store) CreateTransaction(ctx context.Context, userID string, tx core.NewTransaction) (core.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	s.mu.Lock()
	hook := s.hooks.BeforeCreate
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, userID, tx)
	}

	s.mu.Lock()
	if s.faults.Create != nil {
		err := s.faults.Create
		s.mu.Unlock()
		return core.Transaction{}, err
	}
	t := core.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      tx.Type,
		Amount:    tx.Amount,
		Category:  strings.TrimSpace(tx.Category),
		Date:      tx.Date,
		Note:      tx.Note,
		CreatedAt: s.now().UTC(),
	}
	s.items = append(s.items, t)
	s.mu.Unlock()

	s.feed.Notify(userID)
	return t, nil
}

func (s *Store) DeleteTransaction(_ context.Context, userID, id string) error {
	s.mu.Lock()
	if s.faults.Delete != nil {
		err := s.faults.Delete
		s.mu.Unlock()
		return err
	}
	idx := -1
	for i, t := range s.items {
		if t.ID == id && t.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.mu.Unlock()

	s.feed.Notify(userID)
	return nil
}

func (s *Store) SumAmount(ctx context.Context, userID string, typ core.TransactionType) (core.Money, error) {
	s.mu.Lock()
	hook := s.hooks.BeforeSum
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, userID, typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Sum != nil {
		return core.Money{}, s.faults.Sum
	}
	var total core.Money
	for _, t := range s.items {
		if t.UserID == userID && t.Type == typ {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (core.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Profile != nil {
		return core.UserProfile{}, s.faults.Profile
	}
	p, ok := s.profiles[userID]
	if !ok {
		return core.UserProfile{}, core.ErrNotFound
	}
	return p, nil
}

func (s *Store) SaveProfile(_ context.Context, p core.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Profile != nil {
		return s.faults.Profile
	}
	p.SalaryDate = core.NormalizeSalaryDate(p.SalaryDate)
	if p.Currency == "" {
		p.Currency = core.DefaultCurrency
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *Store) UpdateProfile(_ context.Context, userID string, u core.ProfileUpdate) (core.UserProfile, error) {
	if err := u.Validate(); err != nil {
		return core.UserProfile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.Profile != nil {
		return core.UserProfile{}, s.faults.Profile
	}
	p, ok := s.profiles[userID]
	if !ok {
		p = core.DefaultProfile(userID)
		p.CreatedAt = s.now().UTC()
	}
	p = p.Apply(u)
	s.profiles[userID] = p
	return p, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func parseSeedLine(line string, loc *time.Location) (core.Transaction, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 5 {
		return core.Transaction{}, fmt.Errorf("expected at least 5 fields, got %d", len(parts))
	}
	typ, err := core.ParseTransactionType(parts[1])
	if err != nil {
		return core.Transaction{}, err
	}
	amount, err := core.ParseAmount(parts[2])
	if err != nil {
		return core.Transaction{}, err
	}
	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(parts[4]), loc)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse date: %w", err)
	}
	tx := core.Transaction{
		UserID:   strings.TrimSpace(parts[0]),
		Type:     typ,
		Amount:   amount,
		Category: strings.TrimSpace(parts[3]),
		Date:     date,
	}
	if len(parts) > 5 {
		tx.Note = strings.TrimSpace(strings.Join(parts[5:], "|"))
	}
	if tx.UserID == "" || tx.Category == "" {
		return core.Transaction{}, fmt.Errorf("user and category are required")
	}
	return tx, nil
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
