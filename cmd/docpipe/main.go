// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/poiesic/docpipe"
	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/ai/openai"
	"github.com/poiesic/docpipe/blob"
	"github.com/poiesic/docpipe/callback"
)

// newProvider builds the AI provider for commands that need one.
var newProvider = openai.NewProvider

func main() {
	// Environment from .env must be in place before flags are parsed.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring .env: %v", err)
	}
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "docpipe",
		Usage:  "Asynchronous document parsing, chunking and embedding",
		Flags:  globalFlags(),
		Before: setupLogger,
		Commands: []*cli.Command{
			workerCommand(),
			enqueueCommand(),
			statusCommand(),
			listCommand(),
			deleteCommand(),
			sweepCommand(),
			resubmitCommand(),
			splitCommand(),
			generateCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	def := docpipe.DefaultConfig()
	aiDef := ai.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set logging level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address used by the queue and the redis store",
			Value:   def.RedisAddr,
			EnvVars: []string{"REDIS_ADDR"},
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			EnvVars: []string{"REDIS_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number",
			EnvVars: []string{"REDIS_DB"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Job record store (redis, badger)",
			Value:   string(def.Store),
			EnvVars: []string{"TASK_STORE"},
		},
		&cli.StringFlag{
			Name:    "badger-path",
			Usage:   "Badger directory for the badger store; empty keeps records in memory",
			EnvVars: []string{"BADGER_PATH"},
		},
		&cli.IntFlag{
			Name:    "max-retries",
			Usage:   "Maximum redeliveries of a job",
			Value:   def.MaxRetries,
			EnvVars: []string{"TASK_MAX_RETRIES"},
		},
		&cli.StringFlag{
			Name:    "callback-url",
			Usage:   "URL notified on every job transition; empty disables callbacks",
			Value:   callback.DefaultURL,
			EnvVars: []string{"CALLBACK_URL"},
		},
		&cli.DurationFlag{
			Name:    "callback-timeout",
			Usage:   "Timeout of one callback request",
			Value:   def.Callback.Timeout,
			EnvVars: []string{"CALLBACK_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "retention-days",
			Usage:   "Days a job record is kept",
			Value:   int(def.Sweeper.Retention / (24 * time.Hour)),
			EnvVars: []string{"TASK_RETENTION_DAYS"},
		},
		&cli.StringFlag{
			Name:    "sweep-schedule",
			Usage:   "Cron expression of the retention sweep",
			Value:   def.Sweeper.Schedule,
			EnvVars: []string{"TASK_SWEEP_SCHEDULE"},
		},
		&cli.StringFlag{
			Name:    "blob-root",
			Usage:   "Directory relative document paths are resolved against",
			EnvVars: []string{"BLOB_ROOT"},
		},
		&cli.StringFlag{
			Name:    "minio-endpoint",
			Usage:   "MinIO endpoint; documents are looked up there before the local filesystem",
			EnvVars: []string{"MINIO_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "minio-access-key",
			Value:   blob.DefaultMinioConfig().AccessKey,
			EnvVars: []string{"MINIO_ACCESS_KEY"},
		},
		&cli.StringFlag{
			Name:    "minio-secret-key",
			Value:   blob.DefaultMinioConfig().SecretKey,
			EnvVars: []string{"MINIO_SECRET_KEY"},
		},
		&cli.StringFlag{
			Name:    "minio-bucket",
			Value:   blob.DefaultMinioConfig().Bucket,
			EnvVars: []string{"MINIO_BUCKET"},
		},
		&cli.BoolFlag{
			Name:    "minio-ssl",
			EnvVars: []string{"MINIO_USE_SSL"},
		},
		&cli.StringFlag{
			Name:    "embedding-host",
			Usage:   "Embedding service host URL",
			Value:   aiDef.EmbeddingHost,
			EnvVars: []string{"EMBEDDING_HOST"},
		},
		&cli.StringFlag{
			Name:    "embedding-model",
			Usage:   "Default embedding model name",
			Value:   aiDef.EmbeddingModel,
			EnvVars: []string{"EMBEDDING_MODEL"},
		},
		&cli.StringFlag{
			Name:    "generation-host",
			Usage:   "Generation service host URL",
			Value:   aiDef.GenerationHost,
			EnvVars: []string{"GENERATION_HOST"},
		},
		&cli.StringFlag{
			Name:    "generation-model",
			Usage:   "Generation model name",
			Value:   aiDef.GenerationModel,
			EnvVars: []string{"GENERATION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "api-token",
			Usage:   "Bearer token of the AI services",
			Value:   aiDef.Token,
			EnvVars: []string{"OPENAI_API_KEY"},
		},
	}
}

// aiConfig builds the AI configuration from the global flags.
func aiConfig(c *cli.Context) (*ai.Config, error) {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.String("embedding-host")),
		ai.WithEmbeddingModel(c.String("embedding-model")),
		ai.WithGenerationHost(c.String("generation-host")),
		ai.WithGenerationModel(c.String("generation-model")),
		ai.WithToken(c.String("api-token")),
	)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AI configuration: %w", err)
	}
	return cfg, nil
}

// pipelineConfig builds the pipeline configuration from the global flags.
func pipelineConfig(c *cli.Context) (docpipe.Config, error) {
	cfg := docpipe.DefaultConfig()
	cfg.RedisAddr = c.String("redis-addr")
	cfg.RedisPassword = c.String("redis-password")
	cfg.RedisDB = c.Int("redis-db")
	cfg.Store = docpipe.StoreKind(strings.ToLower(c.String("store")))
	cfg.BadgerPath = c.String("badger-path")
	cfg.MaxRetries = c.Int("max-retries")
	cfg.BlobRoot = c.String("blob-root")

	cfg.Callback.URL = c.String("callback-url")
	cfg.Callback.Timeout = c.Duration("callback-timeout")

	days := c.Int("retention-days")
	if days <= 0 {
		return cfg, fmt.Errorf("retention-days must be greater than 0")
	}
	cfg.Sweeper.Retention = time.Duration(days) * 24 * time.Hour
	cfg.Sweeper.Schedule = c.String("sweep-schedule")

	if endpoint := c.String("minio-endpoint"); endpoint != "" {
		m := blob.DefaultMinioConfig()
		m.Endpoint = endpoint
		m.AccessKey = c.String("minio-access-key")
		m.SecretKey = c.String("minio-secret-key")
		m.Bucket = c.String("minio-bucket")
		m.UseSSL = c.Bool("minio-ssl")
		cfg.Minio = &m
	}

	aiCfg, err := aiConfig(c)
	if err != nil {
		return cfg, err
	}
	cfg.AI = aiCfg

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openPipeline opens a pipeline from the global flags. The caller closes it.
func openPipeline(c *cli.Context, mutate func(*docpipe.Config)) (*docpipe.Pipeline, error) {
	cfg, err := pipelineConfig(c)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	provider, err := newProvider(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("failed to create AI provider: %w", err)
	}
	p, err := docpipe.Open(cfg, docpipe.WithAIProvider(provider))
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to open pipeline: %w", err)
	}
	return p, nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
