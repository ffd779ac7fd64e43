package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/cenkalti/backoff/v5"
	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client, logger *zap.Logger) Repository {
	return NewSpannerRepository(client, logger)
}

// NewRepository opens the configured backend and waits for it to answer.
func NewRepository(ctx context.Context, cfg config.DbSettings, logger *zap.Logger) (Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("db", cfg.Type))

	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if err := waitFor(ctx, cfg.ConnectTimeout, logger, db.PingContext); err != nil {
			_ = db.Close()
			return nil, err
		}
		repo := NewPostgresRepository(db, logger)
		if _, err := repo.CheckCapabilities(ctx); err != nil {
			logger.Warn("capability check failed", zap.Error(err))
		}
		return repo, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		if err := waitFor(ctx, cfg.ConnectTimeout, logger, ping); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		repo := NewMongoRepository(client, cfg.Name, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return repo, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepositoryFactory(client, logger), nil
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// waitFor retries ping with exponential backoff until it succeeds or timeout elapses.
func waitFor(ctx context.Context, timeout time.Duration, logger *zap.Logger, ping func(context.Context) error) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoffCfg),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("database not reachable, retrying", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	return nil
}
