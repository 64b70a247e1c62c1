// Package aws stores swap records in Amazon S3 through aws-sdk-go-v2, using
// native If-Match / If-None-Match conditional writes.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/storage"
)

const opTimeout = 2 * time.Minute

// Config controls the AWS backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend on AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New loads the default AWS configuration chain for cfg.Region.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Store{client: client, cfg: cfg}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the bucket answers HeadBucket.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func logger(ctx context.Context) pslog.Logger {
	l := pslog.LoggerFromContext(ctx)
	if l == nil {
		l = pslog.NoopLogger()
	}
	return l.With("storage_backend", "aws")
}

func (s *Store) objectKey(namespace, key string) string {
	p := path.Join(namespace, strings.TrimPrefix(key, "/"))
	if s.cfg.Prefix != "" {
		p = path.Join(s.cfg.Prefix, p)
	}
	return p
}

// GetObject downloads the object. The returned reader owns the request
// context and releases it on Close.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, cancel := withTimeout(ctx)
	object := s.objectKey(namespace, key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger(ctx).Debug("aws.get_object.error", "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	return storage.GetObjectResult{
		Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(aws.ToString(resp.ETag)),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// PutObject uploads body with conditional headers.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body: %w", err)
	}
	object := s.objectKey(namespace, key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if s.cfg.KMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(s.cfg.KMSKeyID)
		}
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger(ctx).Debug("aws.put_object.cas_mismatch", "object", object, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger(ctx).Debug("aws.put_object.error", "object", object, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         int64(len(payload)),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes the object, passing ExpectedETag as If-Match.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(namespace, key)
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return wrapError(err, "aws: delete object")
	}
	return nil
}

// ListObjects pages one namespace with ListObjectsV2.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	nsRoot := s.objectKey(namespace, "") + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(nsRoot + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(nsRoot + opts.StartAfter)
	}
	res := &storage.ListResult{}
	for {
		resp, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, wrapError(err, "aws: list objects")
		}
		for _, object := range resp.Contents {
			key := strings.TrimPrefix(aws.ToString(object.Key), nsRoot)
			if key == aws.ToString(object.Key) {
				continue
			}
			if opts.Limit > 0 && len(res.Objects) == opts.Limit {
				res.Truncated = true
				res.NextStartAfter = res.Objects[len(res.Objects)-1].Key
				return res, nil
			}
			res.Objects = append(res.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
		}
		if !aws.ToBool(resp.IsTruncated) {
			return res, nil
		}
		input.ContinuationToken = resp.NextContinuationToken
	}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, target := range []error{net.ErrClosed, io.ErrUnexpectedEOF, syscall.ECONNRESET,
		syscall.ECONNREFUSED, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		return status >= http.StatusInternalServerError ||
			status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}
