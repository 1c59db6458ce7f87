package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"rupeek/internal/auth"
	"rupeek/internal/storage"
)

var errManagerClosed = errors.New("session manager closed")

// Manager owns at most one Session per signed-in user.
type Manager struct {
	store     storage.Store
	publisher ChangePublisher
	cfg       SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(store storage.Store, publisher ChangePublisher, cfg SessionConfig) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		sessions:  make(map[string]*Session),
	}
}

// Open returns the running session of userID, starting one if needed.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}
	if s, ok := m.sessions[userID]; ok {
		return s, nil
	}
	s := NewSession(userID, m.store, m.publisher, m.cfg)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	m.sessions[userID] = s
	return s, nil
}

func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// CloseSession tears down the session of userID, if any.
func (m *Manager) CloseSession(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// HandleAuthState opens a session on sign-in and closes it on sign-out.
// Pending states are ignored.
func (m *Manager) HandleAuthState(ctx context.Context, st auth.State) {
	switch st.Status {
	case auth.StatusSignedIn:
		if _, err := m.Open(ctx, st.UserID); err != nil {
			slog.ErrorContext(ctx, "Failed to open session", "user_id", st.UserID, "error", err)
		}
	case auth.StatusSignedOut:
		m.CloseSession(st.UserID)
	}
}

// Watch follows p until the returned function is called.
func (m *Manager) Watch(ctx context.Context, p auth.Provider) func() {
	return p.Subscribe(func(st auth.State) { m.HandleAuthState(ctx, st) })
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every session. Later Opens fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
