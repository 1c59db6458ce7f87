// Package postgres is the hosted document store backend. Live queries are
// driven by a LISTEN on the ledger_changes channel, which a trigger on the
// transactions table feeds, so writes from any process are observed.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rupeek/internal/core"
	"rupeek/internal/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	changeChannel = "ledger_changes"

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Store struct {
	pool *pgxpool.Pool
	feed *storage.Feed

	stopListen context.CancelFunc
	listenDone chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Open connects to databaseURL, applies pending migrations and starts the
// change listener. A nil feed gets a private one.
func Open(ctx context.Context, databaseURL string, feed *storage.Feed) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if feed == nil {
		feed = storage.NewFeed()
	}
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Store{
		pool:       pool,
		feed:       feed,
		stopListen: cancel,
		listenDone: make(chan struct{}),
	}
	go s.listen(listenCtx)
	return s, nil
}

func runMigrations(databaseURL string) error {
	migrateDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}

	driver, err := migratepgx.WithInstance(migrateDB, &migratepgx.Config{})
	if err != nil {
		migrateDB.Close()
		return fmt.Errorf("create pgx driver: %w", err)
	}

	return storage.RunMigrations(migrationsFS, "migrations", "pgx5", driver)
}

func (s *Store) Feed() *storage.Feed { return s.feed }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.stopListen()
	<-s.listenDone
	s.pool.Close()
	return nil
}

// listen keeps a dedicated connection on LISTEN, reconnecting with
// exponential backoff. Watchers are interrupted while disconnected and
// resynced once the connection is back.
func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)
	backoff := initialBackoff
	for {
		err := s.listenOnce(ctx, func() { backoff = initialBackoff })
		if ctx.Err() != nil {
			return
		}
		slog.WarnContext(ctx, "Ledger change listener disconnected",
			"error", err,
			"retry_in", backoff)
		s.feed.Interrupt(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Store) listenOnce(ctx context.Context, connected func()) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// A listening connection must never return to the pool.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", changeChannel, err)
	}
	slog.InfoContext(ctx, "Listening for ledger changes", "channel", changeChannel)
	connected()
	// Changes may have been missed while disconnected.
	s.feed.NotifyAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.feed.Notify(n.Payload)
	}
}

func (s *Store) Subscribe(ctx context.Context, q storage.TransactionQuery, onSnapshot func([]core.Transaction), onError func(error)) (storage.Subscription, error) {
	if q.UserID == "" {
		return nil, core.SubscriptionError("subscribe", errors.New("missing user id"))
	}
	return storage.Subscribe(ctx, s.feed, q, s.ListTransactions, onSnapshot, onError), nil
}

func (s *Store) ListTransactions(ctx context.Context, q storage.TransactionQuery) ([]core.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount_cents, category, date, note, created_at
		FROM transactions
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR date >= $2)
		  AND ($3::timestamptz IS NULL OR date <= $3)
		ORDER BY date DESC, created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, q.UserID, nullTime(q.Start), nullTime(q.End))
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var (
			t   core.Transaction
			typ string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount.Cents, &t.Category, &t.Date, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = core.TransactionType(typ)
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
		ID:       uuid.NewString(),
		UserID:   userID,
		Type:     tx.Type,
		Amount:   tx.Amount,
		Category: tx.Category,
		Date:     tx.Date,
		Note:     tx.Note,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount_cents, category, date, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.UserID, string(t.Type), t.Amount.Cents, t.Category, t.Date, t.Note).Scan(&t.CreatedAt)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved to Postgres",
		"id", t.ID,
		"user_id", userID,
		"type", t.Type,
		"amount", t.Amount.String(),
		"category", t.Category)
	return t, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) SumAmount(ctx context.Context, userID string, typ core.TransactionType) (core.Money, error) {
	var cents int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::BIGINT
		FROM transactions WHERE user_id = $1 AND type = $2
	`, userID, string(typ)).Scan(&cents)
	if err != nil {
		return core.Money{}, fmt.Errorf("sum %s: %w", typ, err)
	}
	return core.Money{Cents: cents}, nil
}

const selectProfile = `
	SELECT user_id, name, currency, monthly_income_cents, salary_date, created_at
	FROM profiles WHERE user_id = $1
`

func scanProfile(row pgx.Row) (core.UserProfile, error) {
	var p core.UserProfile
	err := row.Scan(&p.UserID, &p.Name, &p.Currency, &p.MonthlyIncome.Cents, &p.SalaryDate, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.UserProfile{}, core.ErrNotFound
	}
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("get profile: %w", err)
	}
	p.SalaryDate = core.NormalizeSalaryDate(p.SalaryDate)
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (core.UserProfile, error) {
	return scanProfile(s.pool.QueryRow(ctx, selectProfile, userID))
}

const upsertProfile = `
	INSERT INTO profiles (user_id, name, currency, monthly_income_cents, salary_date)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id) DO UPDATE SET
	  name = EXCLUDED.name,
	  currency = EXCLUDED.currency,
	  monthly_income_cents = EXCLUDED.monthly_income_cents,
	  salary_date = EXCLUDED.salary_date
	RETURNING created_at
`

func (s *Store) SaveProfile(ctx context.Context, p core.UserProfile) error {
	p.SalaryDate = core.NormalizeSalaryDate(p.SalaryDate)
	if p.Currency == "" {
		p.Currency = core.DefaultCurrency
	}
	var created time.Time
	err := s.pool.QueryRow(ctx, upsertProfile,
		p.UserID, p.Name, p.Currency, p.MonthlyIncome.Cents, p.SalaryDate).Scan(&created)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, u core.ProfileUpdate) (core.UserProfile, error) {
	if err := u.Validate(); err != nil {
		return core.UserProfile{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("begin profile update: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanProfile(tx.QueryRow(ctx, selectProfile+" FOR UPDATE", userID))
	if errors.Is(err, core.ErrNotFound) {
		p = core.DefaultProfile(userID)
	} else if err != nil {
		return core.UserProfile{}, err
	}

	p = p.Apply(u)
	err = tx.QueryRow(ctx, upsertProfile,
		p.UserID, p.Name, p.Currency, p.MonthlyIncome.Cents, p.SalaryDate).Scan(&p.CreatedAt)
	if err != nil {
		return core.UserProfile{}, fmt.Errorf("save profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.UserProfile{}, fmt.Errorf("commit profile update: %w", err)
	}
	return p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
