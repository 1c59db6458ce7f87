// Package sqlite is the embedded document store backend. Change
// notifications for live queries come from the store's own writes.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/google/uuid"

	"rupeek/internal/core"
	"rupeek/internal/storage"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed width so that text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db   *sql.DB
	feed *storage.Feed
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations. A nil feed gets a private one.
func Open(dbPath string, feed *storage.Feed) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if feed == nil {
		feed = storage.NewFeed()
	}
	return &Store{db: db, feed: feed, now: time.Now}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func runMigrations(dbPath string) error {
	// Separate connection so migrations do not interfere with the main pool.
	migrateDB, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}

	driver, err := migratesqlite.WithInstance(migrateDB, &migratesqlite.Config{})
	if err != nil {
		migrateDB.Close()
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	return storage.RunMigrations(migrationsFS, "migrations", "sqlite", driver)
}

func (s *Store) Feed() *storage.Feed { return s.feed }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, q storage.TransactionQuery, onSnapshot func([]core.Transaction), onError func(error)) (storage.Subscription, error) {
	if q.UserID == "" {
		return nil, core.SubscriptionError("subscribe", errors.New("missing user id"))
	}
	return storage.Subscribe(ctx, s.feed, q, s.ListTransactions, onSnapshot, onError), nil
}

func (s *Store) ListTransactions(ctx context.Context, q storage.TransactionQuery) ([]core.Transaction, error) {
	query := `SELECT id, user_id, type, amount_cents, category, date, note, created_at
		FROM transactions WHERE user_id = ?`
	args := []any{q.UserID}
	if !q.Start.IsZero() {
		query += ` AND date >= ?`
		args = append(args, formatTime(q.Start))
	}
	if !q.End.IsZero() {
		query += ` AND date <= ?`
		args = append(args, formatTime(q.End))
	}
	query += ` ORDER BY date DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var (
			t                 core.Transaction
			typ, date, create string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount.Cents, &t.Category, &date, &t.Note, &create); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(typ)
		if t.Date, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("transaction %s date: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(create); err != nil {
			return nil, fmt.Errorf("transaction %s created_at: %w", t.ID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (s *Store) CreateTransaction(ctx context.Context, userID string, tx core.NewTransaction) (core.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	t := core.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      tx.Type,
		Amount:    tx.Amount,
		Category:  tx.Category,
		Date:      tx.Date,
		Note:      tx.Note,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount_cents, category, date, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Type), t.Amount.Cents, t.Category,
		formatTime(t.Date), t.Note, formatTime(t.CreatedAt))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved to SQLite",
		"id", t.ID,
		"user_id", userID,
		"type", t.Type,
		"amount", t.Amount.String(),
		"category", t.Category)

	s.feed.Notify(userID)
	return t, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	s.feed.Notify(userID)
	return nil
}

func (s *Store) SumAmount(ctx context.Context, userID string, typ core.TransactionType) (core.Money, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM transactions WHERE user_id = ? AND type = ?`,
		userID, string(typ)).Scan(&cents)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum %s: %w", typ, err)
	}
	return core.Money{Cents: cents}, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (core.UserProfile, error) {
	return getProfile(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProfile(ctx context.Context, db queryRower, userID string) (core.UserProfile, error) {
	var (
		p       core.UserProfile
		created string
	)
	err := db.QueryRowContext(ctx,
		`SELECT user_id, name, currency, monthly_income_cents, salary_date, created_at
		 FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Name, &p.Currency, &p.MonthlyIncome.Cents, &p.SalaryDate, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserProfile{}, core.ErrNotFound
	}
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("get profile: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return core.UserProfile{}, fmt.Errorf("profile created_at: %w", err)
	}
	p.SalaryDate = core.NormalizeSalaryDate(p.SalaryDate)
	return p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveProfile(ctx context.Context, db execer, p core.UserProfile) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, name, currency, monthly_income_cents, salary_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   name = excluded.name,
		   currency = excluded.currency,
		   monthly_income_cents = excluded.monthly_income_cents,
		   salary_date = excluded.salary_date`,
		p.UserID, p.Name, p.Currency, p.MonthlyIncome.Cents, p.SalaryDate, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p core.UserProfile) error {
	p.SalaryDate = core.NormalizeSalaryDate(p.SalaryDate)
	if p.Currency == "" {
		p.Currency = core.DefaultCurrency
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	return saveProfile(ctx, s.db, p)
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, u core.ProfileUpdate) (core.UserProfile, error) {
	if err := u.Validate(); err != nil {
		return core.UserProfile{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("begin profile update: %w", err)
	}
	defer tx.Rollback()

	p, err := getProfile(ctx, tx, userID)
	if errors.Is(err, core.ErrNotFound) {
		p = core.DefaultProfile(userID)
		p.CreatedAt = s.now().UTC()
	} else if err != nil {
		return core.UserProfile{}, err
	}

	p = p.Apply(u)
	if err := saveProfile(ctx, tx, p); err != nil {
		return core.UserProfile{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.UserProfile{}, fmt.Errorf("commit profile update: %w", err)
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
