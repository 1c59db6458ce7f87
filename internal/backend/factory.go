package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rupeek/internal/amqp"
	applog "rupeek/internal/log"
	"rupeek/internal/storage"
	"rupeek/internal/storage/memory"
	"rupeek/internal/storage/postgres"
	"rupeek/internal/storage/sqlite"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *applog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *applog.Logger) Factory {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &DefaultFactory{
		logger: logger.WithComponent(applog.ComponentBackend),
	}
}

type feedStore interface {
	storage.Store
	Feed() *storage.Feed
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		store feedStore
		err   error
	)
	switch config.Type {
	case SQLiteBackend:
		store, err = f.createSQLiteStore(config)
	case PostgresBackend:
		store, err = f.createPostgresStore(ctx, config)
	case MemoryBackend:
		store = f.createMemoryStore(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	result := &BackendResult{Store: store, Feed: store.Feed()}

	// AMQP is optional; without it each process only sees its own writes
	// (and, on postgres, everything the trigger reports).
	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without change fan-out", "error", err)
		} else {
			result.AMQP = client
			f.logger.InfoContext(ctx, "Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	result.Cleanup = func() error {
		var errs []error
		if result.AMQP != nil {
			errs = append(errs, result.AMQP.Close())
		}
		errs = append(errs, store.Close())
		return errors.Join(errs...)
	}
	return result, nil
}

func (f *DefaultFactory) createSQLiteStore(config Config) (feedStore, error) {
	store, err := sqlite.Open(config.SQLiteDBPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	return store, nil
}

func (f *DefaultFactory) createPostgresStore(ctx context.Context, config Config) (feedStore, error) {
	store, err := postgres.Open(ctx, config.DatabaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
	}
	f.logger.InfoContext(ctx, "Initialized Postgres backend")
	return store, nil
}

func (f *DefaultFactory) createMemoryStore(config Config) feedStore {
	if config.SeedFile == "" {
		f.logger.Info("Initialized memory backend")
		return memory.New()
	}
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}
	store := memory.NewFromFile(config.SeedFile, loc)
	f.logger.Info("Initialized memory backend", "seed_file", config.SeedFile)
	return store
}
