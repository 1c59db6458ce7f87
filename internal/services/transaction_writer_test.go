package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"rupeek/internal/core"
	"rupeek/internal/storage"
	"rupeek/internal/storage/memory"
)

func newWriterFixture(now time.Time, loc *time.Location) (*TransactionWriter, *memory.Store, *recordingPublisher) {
	store := memory.New()
	pub := &recordingPublisher{}
	return NewTransactionWriter(store, pub, loc, fixedClock(now)), store, pub
}

func countAll(t *testing.T, store *memory.Store) int {
	t.Helper()
	txs, err := store.ListTransactions(context.Background(), storage.TransactionQuery{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	return len(txs)
}

func TestWriterRejectsInvalidInputWithoutWriting(t *testing.T) {
	w, store, pub := newWriterFixture(time.Now(), time.UTC)

	tests := []struct {
		name  string
		entry Entry
		field error
	}{
		{"negative amount", Entry{Type: "expense", Amount: "-5", Category: "Food"}, core.ErrNegativeAmount},
		{"non-numeric amount", Entry{Type: "expense", Amount: "five", Category: "Food"}, core.ErrInvalidAmount},
		{"empty amount", Entry{Type: "expense", Amount: "", Category: "Food"}, core.ErrInvalidAmount},
		{"empty category", Entry{Type: "income", Amount: "10", Category: "   "}, core.ErrEmptyCategory},
		{"unknown type", Entry{Type: "transfer", Amount: "10", Category: "Food"}, core.ErrInvalidType},
		{"bad date", Entry{Type: "expense", Amount: "10", Category: "Food", Date: "10/03/2024"}, core.ErrInvalidDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := w.Add(context.Background(), "u1", tt.entry)
			if !errors.Is(err, core.ErrValidation) || !errors.Is(err, tt.field) {
				t.Fatalf("expected validation error %v, got %v", tt.field, err)
			}
			if id != "" {
				t.Fatalf("no id expected, got %q", id)
			}
		})
	}
	if n := countAll(t, store); n != 0 {
		t.Fatalf("invalid input reached the store: %d writes", n)
	}
	if pub.count() != 0 {
		t.Fatal("nothing should be published for rejected input")
	}
}

func TestWriterNormalizesEntry(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	now := time.Date(2024, 3, 10, 22, 45, 0, 0, time.UTC) // already the 11th in IST
	w, store, pub := newWriterFixture(now, ist)
	ctx := context.Background()

	id, err := w.Add(ctx, "u1", Entry{Type: " Expense ", Amount: "12,345", Category: " Food ", Note: "  lunch "})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected store-assigned id")
	}

	txs, _ := store.ListTransactions(ctx, storage.TransactionQuery{UserID: "u1"})
	tx := txs[0]
	if tx.Amount.Cents != 1235 || tx.Category != "Food" || tx.Note != "lunch" || tx.Type != core.Expense {
		t.Fatalf("entry not normalized: %+v", tx)
	}
	if want := time.Date(2024, 3, 11, 0, 0, 0, 0, ist); !tx.Date.Equal(want) {
		t.Fatalf("default date should be local midnight today, got %v want %v", tx.Date, want)
	}
	if pub.count() != 1 {
		t.Fatalf("write should be published once, got %d", pub.count())
	}

	if _, err := w.Add(ctx, "u1", Entry{Type: "income", Amount: "0", Category: "Refund", Date: "2024-03-24"}); err != nil {
		t.Fatalf("zero amount is non-negative and must be accepted: %v", err)
	}
}

func TestWriterWrapsStoreRejection(t *testing.T) {
	w, store, pub := newWriterFixture(time.Now(), time.UTC)
	boom := errors.New("permission denied")
	store.InjectFaults(memory.Faults{Create: boom, Delete: boom})

	_, err := w.Add(context.Background(), "u1", Entry{Type: "expense", Amount: "1", Category: "Food"})
	if !errors.Is(err, core.ErrWrite) || !errors.Is(err, boom) {
		t.Fatalf("expected write error wrapping the cause, got %v", err)
	}
	if err := w.Delete(context.Background(), "u1", "x"); !errors.Is(err, core.ErrWrite) {
		t.Fatalf("expected write error on delete, got %v", err)
	}
	if pub.count() != 0 {
		t.Fatal("failed writes must not be published")
	}
}

func TestWriterPublishFailureDoesNotFailWrite(t *testing.T) {
	store := memory.New()
	pub := &recordingPublisher{err: errors.New("broker down")}
	w := NewTransactionWriter(store, pub, time.UTC, nil)

	if _, err := w.Add(context.Background(), "u1", Entry{Type: "income", Amount: "1", Category: "Gift"}); err != nil {
		t.Fatalf("publish errors must not fail the write: %v", err)
	}
}

func TestWriterDelete(t *testing.T) {
	w, store, _ := newWriterFixture(time.Now(), time.UTC)
	ctx := context.Background()
	id, err := w.Add(ctx, "u1", Entry{Type: "expense", Amount: "3", Category: "Tea"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Delete(ctx, "u1", id); err != nil {
		t.Fatal(err)
	}
	if countAll(t, store) != 0 {
		t.Fatal("transaction should be gone")
	}
	err = w.Delete(ctx, "u1", id)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWriterWithoutPublisher(t *testing.T) {
	w := NewTransactionWriter(memory.New(), nil, nil, nil)
	if _, err := w.Add(context.Background(), "u1", Entry{Type: "income", Amount: "1", Category: "Gift"}); err != nil {
		t.Fatal(err)
	}
}
