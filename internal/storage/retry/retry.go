// Package retry wraps a storage.Backend so transient failures are retried
// with capped exponential backoff before surfacing to the record store.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger, clock: clock.Or(clk), cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", namespace, key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return result, err
}

// PutObject buffers body once so every attempt uploads the same payload.
func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: read body: %w", err)
	}
	var info *storage.ObjectInfo
	err = b.withRetry(ctx, "put_object", namespace, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, namespace, key, bytes.NewReader(payload), opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", namespace, key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", namespace, opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

// Subscribe forwards to the wrapped backend's change feed when it has one.
func (b *backend) Subscribe(namespace string) (storage.Subscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.Subscribe(namespace)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) withRetry(ctx context.Context, op, namespace, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.clock.Sleep(delay)
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return lastErr
}
