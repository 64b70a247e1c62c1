// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"pkt.systems/stride/internal/storage"
)

// Run exercises create, CAS update, listing and delete on b.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()
	const ns = "custodian"

	info, err := b.PutObject(ctx, ns, "alpha", bytes.NewBufferString(`{"v":1}`), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.ETag == "" {
		t.Fatal("expected etag on create")
	}
	if _, err := b.PutObject(ctx, ns, "alpha", bytes.NewBufferString(`{"v":9}`), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on duplicate create, got %v", err)
	}
	if got := read(t, b, ns, "alpha"); got != `{"v":1}` {
		t.Fatalf("duplicate create overwrote payload: %s", got)
	}

	next, err := b.PutObject(ctx, ns, "alpha", bytes.NewBufferString(`{"v":2}`), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if next.ETag == info.ETag {
		t.Fatal("etag did not change on update")
	}
	if _, err := b.PutObject(ctx, ns, "alpha", bytes.NewBufferString(`{"v":3}`), storage.PutObjectOptions{ExpectedETag: info.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on stale etag, got %v", err)
	}
	if got := read(t, b, ns, "alpha"); got != `{"v":2}` {
		t.Fatalf("unexpected payload %s", got)
	}

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("beta-%d", i)
		if _, err := b.PutObject(ctx, ns, key, bytes.NewBufferString("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := b.PutObject(ctx, "user", "alpha", bytes.NewBufferString("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other namespace: %v", err)
	}
	all, err := storage.ListAll(ctx, b, ns, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].Key != "alpha" || all[3].Key != "beta-2" {
		t.Fatalf("unexpected listing %+v", all)
	}
	page, err := b.ListObjects(ctx, ns, storage.ListOptions{Prefix: "beta-", Limit: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated {
		t.Fatalf("unexpected page %+v", page)
	}
	rest, err := b.ListObjects(ctx, ns, storage.ListOptions{Prefix: "beta-", StartAfter: page.NextStartAfter, Limit: 2})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Objects) != 1 || rest.Objects[0].Key != "beta-2" {
		t.Fatalf("unexpected second page %+v", rest)
	}

	if err := b.DeleteObject(ctx, ns, "beta-0", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.GetObject(ctx, ns, "beta-0"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "beta-0", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete ignore missing: %v", err)
	}
	if _, err := b.GetObject(ctx, "nobody", "alpha"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found in empty namespace, got %v", err)
	}
}

func read(t *testing.T, b storage.Backend, ns, key string) string {
	t.Helper()
	res, err := b.GetObject(context.Background(), ns, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}
