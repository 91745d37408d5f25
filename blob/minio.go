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

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	MaxSize   int64
}

// DefaultMinioConfig returns settings for a local development server.
func DefaultMinioConfig() MinioConfig {
	return MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "docqa",
		MaxSize:   DefaultMaxSize,
	}
}

// Validate checks the configuration.
func (c MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint cannot be empty")
	}
	if c.Bucket == "" {
		return errors.New("minio bucket cannot be empty")
	}
	return nil
}

// MinioStore reads objects from one bucket of an S3-compatible service.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	maxSize int64
	logger  *slog.Logger
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a store. No request is made until the first call.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("docpipe/blob: create minio client: %w", err)
	}
	return &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		maxSize: cfg.MaxSize,
		logger:  slog.Default().With("component", "blob", "bucket", cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("docpipe/blob: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("docpipe/blob: create bucket: %w", err)
	}
	m.logger.Info("created bucket")
	return nil
}

// Fetch reads the object named by path.
func (m *MinioStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	name := objectName(path)

	info, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return nil, m.translate(path, err)
	}
	if err := checkSize(path, info.Size, m.maxSize); err != nil {
		return nil, err
	}

	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, m.translate(path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.translate(path, err)
	}
	return data, nil
}

func (m *MinioStore) translate(path string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return fmt.Errorf("docpipe/blob: fetch %s: %w", path, err)
}

// objectName maps a document path to an object key.
func objectName(path string) string {
	return strings.TrimLeft(strings.ReplaceAll(path, "\\", "/"), "/")
}
