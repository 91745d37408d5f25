package docpipe

import (
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/blob"
	"github.com/poiesic/docpipe/callback"
	"github.com/poiesic/docpipe/chunker"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/queue"
	"github.com/poiesic/docpipe/sweeper"
)

// StoreKind selects the job record backend.
type StoreKind string

const (
	// StoreRedis keeps job records in Redis next to the queue, so any
	// number of producer and worker processes share them.
	StoreRedis StoreKind = "redis"

	// StoreBadger keeps job records in an embedded Badger database. Only
	// the process that opened it can see them.
	StoreBadger StoreKind = "badger"
)

// Config holds the settings of a Pipeline.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Store StoreKind
	// BadgerPath is the Badger directory. Empty opens an in-memory database.
	BadgerPath string

	Concurrency int
	MaxRetries  int

	// WorkerID names the worker's processing list. Empty picks a random
	// name; a stable one lets a restarted worker take back its own
	// deliveries immediately.
	WorkerID string
	// HeartbeatTTL is how long a silent worker counts as alive before its
	// deliveries are reclaimed.
	HeartbeatTTL time.Duration

	// BlobRoot resolves relative document paths on the local filesystem.
	BlobRoot string
	// Minio, when set, is tried before the local filesystem.
	Minio *blob.MinioConfig

	// Callback.URL empty disables callbacks.
	Callback callback.Config
	Sweeper  sweeper.Config
	// DisableSweeper keeps Run from starting the retention schedule.
	DisableSweeper bool

	Chunker chunker.Config
	AI      *ai.Config
}

// DefaultConfig returns settings for a local deployment.
func DefaultConfig() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		Store:       StoreRedis,
		Concurrency:  queue.DefaultConcurrency,
		MaxRetries:   core.DefaultMaxRetries,
		HeartbeatTTL: queue.DefaultHeartbeatTTL,
		Callback:     callback.DefaultConfig(),
		Sweeper:      sweeper.DefaultConfig(),
		Chunker:      chunker.DefaultConfig(),
		AI:           ai.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Store != StoreRedis && c.Store != StoreBadger {
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.HeartbeatTTL < 0 {
		return errors.New("heartbeat ttl must not be negative")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if err := c.Chunker.Validate(); err != nil {
		return err
	}
	if !c.DisableSweeper {
		if err := c.Sweeper.Validate(); err != nil {
			return err
		}
	}
	if c.Minio != nil {
		if err := c.Minio.Validate(); err != nil {
			return err
		}
	}
	return nil
}
