package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/stride/internal/storage"
)

func setupFakeS3(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("stride-test"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	store, err := New(Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         "stride-test",
		Prefix:         "records",
		Insecure:       true,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestObjectLifecycle(t *testing.T) {
	store := setupFakeS3(t)
	ctx := context.Background()
	info, err := store.PutObject(ctx, "custodian", "txn-1", bytes.NewBufferString(`{"status":"RECEIVED"}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.GetObject(ctx, "custodian", "txn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if !strings.Contains(string(body), "RECEIVED") {
		t.Fatalf("unexpected body %s", body)
	}
	if res.Info.ETag != info.ETag {
		t.Fatalf("etag mismatch %q vs %q", res.Info.ETag, info.ETag)
	}
	if _, err := store.PutObject(ctx, "custodian", "txn-1", bytes.NewBufferString(`{}`), storage.PutObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "user", "txn-2", bytes.NewBufferString(`{}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other namespace: %v", err)
	}
	list, err := store.ListObjects(ctx, "custodian", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Objects) != 1 || list.Objects[0].Key != "txn-1" {
		t.Fatalf("unexpected listing %+v", list.Objects)
	}
	if err := store.DeleteObject(ctx, "custodian", "txn-1", storage.DeleteObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "custodian", "txn-1", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "custodian", "txn-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", fakeTimeoutErr{}, true},
		{"dns temporary", &net.DNSError{IsTemporary: true}, true},
		{"reset", syscall.ECONNRESET, true},
		{"refused", &net.OpError{Err: syscall.ECONNREFUSED}, true},
		{"server error", minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, true},
		{"throttled", minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, true},
		{"forbidden", minio.ErrorResponse{StatusCode: http.StatusForbidden}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestPreconditionClassification(t *testing.T) {
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("412 should be a precondition failure")
	}
	if !isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}) {
		t.Fatal("conditional conflict should be a precondition failure")
	}
	if isPreconditionFailed(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "BucketNotEmpty"}) {
		t.Fatal("unrelated conflict misclassified")
	}
	if !storage.IsTransient(wrapError(syscall.ECONNRESET, "x")) {
		t.Fatal("expected transient wrap")
	}
}
