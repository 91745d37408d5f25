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

// Package callback delivers job state transitions to an HTTP endpoint.
//
// Notifications are queued on a buffered channel by Publish and POSTed as
// JSON by a single dispatcher goroutine started with Run. Delivery is best
// effort: failed requests are logged and dropped, and a full buffer drops
// new notifications.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/poiesic/docpipe/core"
	"golang.org/x/time/rate"
)

const (
	// TimestampFormat is RFC3339 in UTC with second precision.
	TimestampFormat = "2006-01-02T15:04:05Z"

	// DefaultURL is the task callback endpoint of the API service.
	DefaultURL = "http://localhost:8080/api/tasks/callback"
)

var (
	// ErrURLRequired is returned by New when no callback URL is configured.
	ErrURLRequired = errors.New("callback url is required")

	// ErrUnexpectedStatus is returned when the endpoint answers outside 2xx.
	ErrUnexpectedStatus = errors.New("unexpected callback response status")
)

// Notification is the body POSTed for each job transition.
type Notification struct {
	TaskID     string          `json:"task_id"`
	DocumentID string          `json:"document_id"`
	Status     core.State      `json:"status"`
	Type       core.Kind       `json:"type"`
	Result     json.RawMessage `json:"result"`
	Error      *string         `json:"error"`
	Timestamp  string          `json:"timestamp"`
}

// NotificationFromJob captures the current state of job.
func NotificationFromJob(job *core.Job) Notification {
	ts := job.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	var errMsg *string
	if job.Error != "" {
		msg := job.Error
		errMsg = &msg
	}
	return Notification{
		TaskID:     job.ID,
		DocumentID: job.DocumentID,
		Status:     job.State,
		Type:       job.Kind,
		Result:     append(json.RawMessage(nil), job.Result...),
		Error:      errMsg,
		Timestamp:  ts.UTC().Format(TimestampFormat),
	}
}

// Config holds dispatcher settings.
type Config struct {
	URL        string
	Timeout    time.Duration
	BufferSize int

	// RateLimit caps deliveries per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		URL:        DefaultURL,
		Timeout:    5 * time.Second,
		BufferSize: 256,
		RateLimit:  50,
		RateBurst:  10,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client. The per-request timeout still
// applies.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// Dispatcher POSTs notifications from a single goroutine.
type Dispatcher struct {
	url     string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	queue   chan Notification
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a dispatcher. Call Run to start delivering.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	d := &Dispatcher{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		queue:   make(chan Notification, cfg.BufferSize),
		logger:  slog.Default().With("component", "callback"),
		stop:    make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Publish queues a notification without blocking. It reports false when
// the notification was dropped.
func (d *Dispatcher) Publish(n Notification) bool {
	select {
	case <-d.stop:
		d.logger.Warn("dispatcher stopped, dropping callback", "task_id", n.TaskID, "status", n.Status)
		return false
	default:
	}

	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("callback queue full, dropping callback", "task_id", n.TaskID, "status", n.Status)
		return false
	}
}

// PublishJob queues a notification for the job's current state.
func (d *Dispatcher) PublishJob(job *core.Job) bool {
	return d.Publish(NotificationFromJob(job))
}

// Run delivers queued notifications until ctx is done or Stop is called,
// then delivers whatever is still buffered and returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("callback dispatcher started", "url", d.url)
	defer d.logger.Info("callback dispatcher stopped")

	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return nil
		case <-d.stop:
			d.drain(ctx)
			return nil
		}
	}
}

// Stop makes Run return after draining the buffer. Later Publish calls
// drop their notification.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn("callback dropped while rate limited", "task_id", n.TaskID, "err", err)
			return
		}
	}
	if err := d.Send(ctx, n); err != nil {
		d.logger.Error("failed to send callback", "task_id", n.TaskID, "status", n.Status, "err", err)
		return
	}
	d.logger.Debug("callback sent", "task_id", n.TaskID, "status", n.Status)
}

// Send POSTs one notification synchronously.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}
