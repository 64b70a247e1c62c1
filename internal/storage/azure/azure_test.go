package azure

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/stride/internal/storage"
)

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?a=1", "sv=2024")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=1&sv=2024" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestResponseClassification(t *testing.T) {
	precondition := fmt.Errorf("upload: %w", &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed})
	if !isPreconditionFailed(precondition) {
		t.Fatal("412 should map to a CAS mismatch")
	}
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("404 should be not found")
	}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(exists) {
		t.Fatal("expected container exists")
	}
	if !storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: list")) {
		t.Fatal("503 should be transient")
	}
	if storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusForbidden}, "azure: list")) {
		t.Fatal("403 should not be transient")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Account: "acct", Container: "records"}); err == nil {
		t.Fatal("expected credential error")
	}
	if _, err := New(Config{Container: "records"}); err == nil {
		t.Fatal("expected account error")
	}
}

func TestBlobNameUsesPrefix(t *testing.T) {
	s := &Store{prefix: "stride"}
	if got := s.blobName("user", "t1"); got != "stride/user/t1" {
		t.Fatalf("blobName = %q", got)
	}
	if got := s.namespaceRoot("user"); got != "stride/user/" {
		t.Fatalf("namespaceRoot = %q", got)
	}
}
