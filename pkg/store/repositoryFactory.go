package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client, table string) OutboxRepository {
	return NewSpannerRepository(client, table)
}

// connectBackOff bounds how long startup waits for the backend to come up.
var connectBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func NewRepository(ctx context.Context, cfg config.DbSettings) (OutboxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := waitReady(ctx, db.PingContext); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres not reachable: %w", err)
		}
		repo := NewPostgresRepository(db, cfg.Table)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return repo, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		if err := waitReady(ctx, func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("mongo not reachable: %w", err)
		}
		repo := NewMongoRepository(client, cfg.DBName, cfg.Collection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return repo, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		repo := NewSpannerRepositoryFactory(client, cfg.Table)
		if err := EnsureSpannerSchema(ctx, cfg.URI, spannerTable(cfg.Table)); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("spanner schema: %w", err)
		}
		return repo, nil
	case "redis":
		// several comma separated addresses select a cluster client
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(cfg.RedisAddr, ","),
			DB:    cfg.RedisDB,
		})
		if err := waitReady(ctx, func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis not reachable: %w", err)
		}
		return NewRedisRepository(client, cfg.KeyPrefix), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

func waitReady(ctx context.Context, ping func(context.Context) error) error {
	return backoff.Retry(func() error {
		return ping(ctx)
	}, backoff.WithContext(connectBackOff(), ctx))
}
