package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-1 "); !ok || got != "abc-1" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	for _, bad := range []string{"", strings.Repeat("a", MaxIDLength+1), "x\x01y"} {
		if _, ok := Normalize(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestWithIgnoresInvalid(t *testing.T) {
	ctx := With(context.Background(), "")
	if ID(ctx) != "" {
		t.Fatal("expected no id")
	}
	ctx = With(ctx, "req-1")
	if ID(ctx) != "req-1" {
		t.Fatalf("got %q", ID(ctx))
	}
	if ID(Ensure(ctx)) != "req-1" {
		t.Fatal("Ensure replaced an existing id")
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/stride", nil)
	r.Header.Set(Header, "abc")
	if got := ID(FromRequest(r)); got != "abc" {
		t.Fatalf("got %q", got)
	}
	r = httptest.NewRequest("POST", "/stride", nil)
	if got := ID(FromRequest(r)); got == "" {
		t.Fatal("expected generated id")
	}
}
