// Package storage defines the object store contract the swap record store is
// written against, plus helpers shared by every backend.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types written by stride.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.stride+json-encrypted"
)

var (
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch reports a failed conditional write or delete.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented reports an optional capability the backend lacks.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional writes. ExpectedETag takes precedence
// over IfNotExists.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions controls conditional deletes.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions pages through a namespace in key order.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of ListObjects.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult carries an open object body. Callers close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is a namespaced key/object store with ETag compare-and-swap.
// Operations on distinct keys never contend.
type Backend interface {
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	Close() error
}

// Subscription delivers a signal whenever objects in a namespace change.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed is implemented by backends that can push change notifications.
type ChangeFeed interface {
	Subscribe(namespace string) (Subscription, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ListAll collects every object in namespace matching prefix.
func ListAll(ctx context.Context, b Backend, namespace, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	opts := ListOptions{Prefix: prefix, Limit: 500}
	for {
		res, err := b.ListObjects(ctx, namespace, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		if !res.Truncated || res.NextStartAfter == "" {
			return out, nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}
