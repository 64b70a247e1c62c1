// Package s3 stores swap records in any S3-compatible object store through
// minio-go. Objects live at <prefix>/<namespace>/<key>.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/storage"
)

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on S3.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a client. Credentials come from cfg.CustomCreds or the usual
// AWS/MinIO environment, credentials file and IAM chain.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func logger(ctx context.Context) pslog.Logger {
	l := pslog.LoggerFromContext(ctx)
	if l == nil {
		l = pslog.NoopLogger()
	}
	return l.With("storage_backend", "s3")
}

func (s *Store) objectKey(namespace, key string) string {
	p := path.Join(namespace, strings.TrimPrefix(key, "/"))
	if s.cfg.Prefix != "" {
		p = path.Join(s.cfg.Prefix, p)
	}
	return p
}

// GetObject streams the object.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	object := s.objectKey(namespace, key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger(ctx).Debug("s3.get_object.stat_error", "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	return storage.GetObjectResult{
		Reader: obj,
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(info.ETag),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		},
	}, nil
}

// PutObject uploads body with If-Match / If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	object := s.objectKey(namespace, key)
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeJSON
	}
	s.applySSE(&putOpts)
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger(ctx).Debug("s3.put_object.cas_mismatch", "object", object, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger(ctx).Debug("s3.put_object.error", "object", object, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes the object. ETag guards are checked with a stat first
// since S3 has no conditional delete.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(namespace, key)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "s3: stat object")
	}
	if opts.ExpectedETag != "" && stripETag(info.ETag) != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger(ctx).Debug("s3.delete_object.error", "object", object, "error", err)
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// ListObjects pages through one namespace.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	nsRoot := s.objectKey(namespace, "") + "/"
	listOpts := minio.ListObjectsOptions{
		Prefix:    nsRoot + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = nsRoot + opts.StartAfter
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if object.Err != nil {
			return nil, wrapError(object.Err, "s3: list objects")
		}
		key := strings.TrimPrefix(object.Key, nsRoot)
		if key == object.Key {
			continue
		}
		if opts.Limit > 0 && len(res.Objects) == opts.Limit {
			res.Truncated = true
			res.NextStartAfter = res.Objects[len(res.Objects)-1].Key
			break
		}
		res.Objects = append(res.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	return res, nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict &&
		(resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted")
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	for _, target := range []error{net.ErrClosed, io.ErrUnexpectedEOF, io.EOF,
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
