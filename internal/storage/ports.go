package storage

import (
	"context"
	"time"

	"rupeek/internal/core"
)

// TransactionQuery selects one user's transactions. Zero bounds are open.
type TransactionQuery struct {
	UserID string
	Start  time.Time
	End    time.Time
}

// WindowQuery scopes a query to the inclusive bounds of w.
func WindowQuery(userID string, w core.CycleWindow) TransactionQuery {
	return TransactionQuery{UserID: userID, Start: w.Start, End: w.End}
}

// Matches reports whether t belongs to the result set of q.
func (q TransactionQuery) Matches(t core.Transaction) bool {
	if t.UserID != q.UserID {
		return false
	}
	if !q.Start.IsZero() && t.Date.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && t.Date.After(q.End) {
		return false
	}
	return true
}

// Subscription is a cancellable handle on a live query.
// Unsubscribe is idempotent and never blocks.
type Subscription interface {
	Unsubscribe()
}

// Ports implemented by every document store backend.
type (
	// SnapshotSubscriber delivers the full ordered result set of q every
	// time it changes. Callbacks for one subscription never run concurrently.
	SnapshotSubscriber interface {
		Subscribe(ctx context.Context, q TransactionQuery, onSnapshot func([]core.Transaction), onError func(error)) (Subscription, error)
	}

	TransactionWriter interface {
		// CreateTransaction stores tx and returns it with the store-assigned
		// ID and CreatedAt.
		CreateTransaction(ctx context.Context, userID string, tx core.NewTransaction) (core.Transaction, error)
	}

	TransactionDeleter interface {
		DeleteTransaction(ctx context.Context, userID, id string) error
	}

	TransactionLister interface {
		ListTransactions(ctx context.Context, q TransactionQuery) ([]core.Transaction, error)
	}

	// AmountSummer sums the amount field over every transaction of the
	// user with the given type.
	AmountSummer interface {
		SumAmount(ctx context.Context, userID string, typ core.TransactionType) (core.Money, error)
	}

	ProfileReader interface {
		// GetProfile returns core.ErrNotFound when the user has no profile.
		GetProfile(ctx context.Context, userID string) (core.UserProfile, error)
	}

	ProfileWriter interface {
		SaveProfile(ctx context.Context, p core.UserProfile) error
		// UpdateProfile applies a partial update, creating the profile from
		// defaults when it does not exist yet.
		UpdateProfile(ctx context.Context, userID string, u core.ProfileUpdate) (core.UserProfile, error)
	}

	Store interface {
		SnapshotSubscriber
		TransactionWriter
		TransactionDeleter
		TransactionLister
		AmountSummer
		ProfileReader
		ProfileWriter
		Ping(ctx context.Context) error
		Close() error
	}
)
