// Package auth supplies user identity to the ledger engine: an in-process
// authentication state notifier and bearer token verification.
package auth

import (
	"sync"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSignedIn  Status = "signed_in"
	StatusSignedOut Status = "signed_out"
)

// State is one authentication state change.
type State struct {
	Status Status
	UserID string
}

// Provider notifies subscribers of authentication state changes.
type Provider interface {
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func(State)) (unsubscribe func())
}

// Notifier is an in-process Provider. New subscribers are replayed the
// users that are currently signed in.
type Notifier struct {
	mu        sync.Mutex
	states    map[string]Status
	listeners map[int]func(State)
	nextID    int
}

var _ Provider = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{
		states:    make(map[string]Status),
		listeners: make(map[int]func(State)),
	}
}

func (n *Notifier) Subscribe(fn func(State)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	var replay []State
	for userID, st := range n.states {
		if st == StatusSignedIn {
			replay = append(replay, State{Status: st, UserID: userID})
		}
	}
	n.mu.Unlock()

	for _, st := range replay {
		fn(st)
	}
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// Pending marks userID as being authenticated.
func (n *Notifier) Pending(userID string) { n.set(userID, StatusPending) }

// SignIn marks userID as signed in. Repeated sign-ins are not re-announced.
func (n *Notifier) SignIn(userID string) { n.set(userID, StatusSignedIn) }

func (n *Notifier) SignOut(userID string) { n.set(userID, StatusSignedOut) }

// Current returns the last known state of userID, pending if unknown.
func (n *Notifier) Current(userID string) State {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.states[userID]
	if !ok {
		st = StatusPending
	}
	return State{Status: st, UserID: userID}
}

func (n *Notifier) set(userID string, status Status) {
	n.mu.Lock()
	if n.states[userID] == status {
		n.mu.Unlock()
		return
	}
	if status == StatusSignedOut {
		delete(n.states, userID)
	} else {
		n.states[userID] = status
	}
	listeners := make([]func(State), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	st := State{Status: status, UserID: userID}
	for _, fn := range listeners {
		fn(st)
	}
}
