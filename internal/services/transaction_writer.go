package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"rupeek/internal/core"
	"rupeek/internal/storage"
)

const dateLayout = "2006-01-02"

// Entry is a user-submitted transaction before validation.
type Entry struct {
	Type     string `json:"type"`
	Amount   string `json:"amount"`
	Category string `json:"category"`
	Date     string `json:"date,omitempty"` // YYYY-MM-DD, defaults to today
	Note     string `json:"note,omitempty"`
}

// ChangePublisher announces ledger writes to other processes.
type ChangePublisher interface {
	PublishLedgerChanged(ctx context.Context, userID string) error
}

type ledgerWriter interface {
	storage.TransactionWriter
	storage.TransactionDeleter
}

// TransactionWriter is the write path into the store. Rejected writes are
// returned as ErrWrite and never retried.
type TransactionWriter struct {
	store     ledgerWriter
	publisher ChangePublisher
	loc       *time.Location
	now       func() time.Time
}

// NewTransactionWriter builds a writer. publisher may be nil.
func NewTransactionWriter(store ledgerWriter, publisher ChangePublisher, loc *time.Location, now func() time.Time) *TransactionWriter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &TransactionWriter{store: store, publisher: publisher, loc: loc, now: now}
}

// Parse validates and normalizes e. The date becomes local midnight.
func (w *TransactionWriter) Parse(e Entry) (core.NewTransaction, error) {
	typ, err := core.ParseTransactionType(e.Type)
	if err != nil {
		return core.NewTransaction{}, &core.ValidationError{Field: "type", Err: err}
	}
	amount, err := core.ParseAmount(e.Amount)
	if err != nil {
		return core.NewTransaction{}, &core.ValidationError{Field: "amount", Err: err}
	}
	date, err := w.parseDate(e.Date)
	if err != nil {
		return core.NewTransaction{}, err
	}
	tx := core.NewTransaction{
		Type:     typ,
		Amount:   amount,
		Category: strings.TrimSpace(e.Category),
		Date:     date,
		Note:     strings.TrimSpace(e.Note),
	}
	if err := tx.Validate(); err != nil {
		return core.NewTransaction{}, err
	}
	return tx, nil
}

func (w *TransactionWriter) parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		y, m, d := w.now().In(w.loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, w.loc), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, w.loc)
	if err != nil {
		return time.Time{}, &core.ValidationError{Field: "date", Err: core.ErrInvalidDate}
	}
	return t, nil
}

// Add validates e and stores it, returning the new transaction's ID.
// Invalid input never reaches the store.
func (w *TransactionWriter) Add(ctx context.Context, userID string, e Entry) (string, error) {
	tx, err := w.Parse(e)
	if err != nil {
		slog.InfoContext(ctx, "Rejected transaction", "user_id", userID, "error", err)
		return "", err
	}
	created, err := w.Record(ctx, userID, tx)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// Record stores an already normalized transaction.
func (w *TransactionWriter) Record(ctx context.Context, userID string, tx core.NewTransaction) (core.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	created, err := w.store.CreateTransaction(ctx, userID, tx)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			return core.Transaction{}, err
		}
		slog.ErrorContext(ctx, "Store rejected transaction",
			"user_id", userID,
			"category", tx.Category,
			"error", err)
		return core.Transaction{}, core.WriteError("create transaction", err)
	}

	slog.InfoContext(ctx, "Transaction recorded",
		"user_id", userID,
		"id", created.ID,
		"type", created.Type,
		"amount", created.Amount.String(),
		"category", created.Category)
	w.publish(ctx, userID)
	return created, nil
}

func (w *TransactionWriter) Delete(ctx context.Context, userID, id string) error {
	if err := w.store.DeleteTransaction(ctx, userID, id); err != nil {
		return core.WriteError("delete transaction", err)
	}
	slog.InfoContext(ctx, "Transaction deleted", "user_id", userID, "id", id)
	w.publish(ctx, userID)
	return nil
}

func (w *TransactionWriter) publish(ctx context.Context, userID string) {
	if w.publisher == nil {
		return
	}
	// The write already succeeded; other processes catch up on their next
	// change signal.
	if err := w.publisher.PublishLedgerChanged(ctx, userID); err != nil {
		slog.WarnContext(ctx, "Failed to publish ledger change",
			"user_id", userID,
			"error", err)
	}
}
