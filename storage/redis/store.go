// Package redis implements storage.JobRepository on Redis so that producers
// and many worker processes share one job record store.
//
// Job records are JSON strings under task:<id>, document indexes are Redis
// sets under document_tasks:<document id>, and job updates are announced on
// the task_status:<id> pub/sub channel.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/poiesic/docpipe/storage"
)

// Compile-time interface checks.
var (
	_ storage.JobRepository  = (*Store)(nil)
	_ storage.StatusNotifier = (*Store)(nil)
)

// maxWatchRetries bounds optimistic transaction retries on a contended key.
const maxWatchRetries = 10

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecordTTL expires job records after ttl. Zero keeps records until the
// retention sweeper deletes them.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) { s.recordTTL = ttl }
}

// Store implements storage.JobRepository backed by Redis.
type Store struct {
	client    goredis.UniversalClient
	logger    *slog.Logger
	recordTTL time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default().With("component", "redis-store")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
