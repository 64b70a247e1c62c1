package record

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/storage"
	"pkt.systems/stride/internal/storage/memory"
	"pkt.systems/stride/internal/uuidv7"
)

func newRecord(role Role) *Record {
	return &Record{
		TxnID:             uuidv7.NewString(),
		Role:              role,
		SourceAmount:      big.NewInt(100),
		DestinationAmount: big.NewInt(1),
		UserAddress:       "0x00000000000000000000000000000000000000aa",
		TimeoutInterval:   10,
		SecretHash:        "0xabc",
		Status:            StatusReceived,
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := New(memory.New())
	rec := newRecord(RoleCustodian)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := newRecord(RoleCustodian)
	dup.TxnID = rec.TxnID
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// The same txn_id in the other role's namespace is a different record.
	other := newRecord(RoleUser)
	other.TxnID = rec.TxnID
	other.Status = StatusRequested
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("create user record: %v", err)
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var seen []Status
	store := New(memory.New(), WithClock(clk), WithObserver(func(_ context.Context, rec *Record) {
		if rec.Secret != "" {
			t.Errorf("observer received secret")
		}
		seen = append(seen, rec.Status)
	}))
	rec := newRecord(RoleCustodian)
	rec.Secret = "0xsecret"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(time.Second)
	updated, err := store.Transition(ctx, RoleCustodian, rec.TxnID, func(r *Record) error {
		r.Status = StatusDestDeposited
		r.Reason = "deposit confirmed"
		r.DestDepositHeight = 7
		return nil
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(updated.History) != 2 || updated.History[1].Status != StatusDestDeposited || updated.History[1].Note != "deposit confirmed" {
		t.Fatalf("unexpected history %+v", updated.History)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Fatalf("updated_at not advanced")
	}
	// A mutation without a status change is written but not added to history.
	if _, err := store.Transition(ctx, RoleCustodian, rec.TxnID, func(r *Record) error {
		r.LastError = "transient"
		return nil
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.Transition(ctx, RoleCustodian, rec.TxnID, func(*Record) error { return ErrUnchanged }); err != nil {
		t.Fatalf("unchanged transition: %v", err)
	}
	got, err := store.Get(ctx, RoleCustodian, rec.TxnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.History) != 2 || got.LastError != "transient" || got.Secret != "0xsecret" {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(seen) != 2 || seen[0] != StatusReceived || seen[1] != StatusDestDeposited {
		t.Fatalf("observer saw %v", seen)
	}
}

func TestTransitionConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := New(memory.New())
	rec := newRecord(RoleUser)
	rec.Status = StatusRequested
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Transition(ctx, RoleUser, rec.TxnID, func(r *Record) error {
				r.SourceWatchFrom++
				return nil
			}); err != nil {
				t.Errorf("transition: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := store.Get(ctx, RoleUser, rec.TxnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SourceWatchFrom != 8 {
		t.Fatalf("lost updates: %d", got.SourceWatchFrom)
	}
}

func TestListActiveOnly(t *testing.T) {
	ctx := context.Background()
	store := New(memory.New())
	var ids []string
	for i := 0; i < 3; i++ {
		rec := newRecord(RoleCustodian)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, rec.TxnID)
	}
	if _, err := store.Transition(ctx, RoleCustodian, ids[1], func(r *Record) error {
		r.Status = StatusComplete
		r.Outcome = OutcomeClaimed
		return nil
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	all, err := store.List(ctx, RoleCustodian, Filter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	active, err := store.List(ctx, RoleCustodian, Filter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].TxnID == ids[1] || active[1].TxnID == ids[1] {
		t.Fatalf("unexpected active set %+v", active)
	}
	if _, err := store.Get(ctx, RoleUser, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found in user namespace, got %v", err)
	}
}

func TestEncryptedRecords(t *testing.T) {
	ctx := context.Background()
	keyCtx := []byte("stride/custodian")
	material, err := storage.EnsureKeyBundle(filepath.Join(t.TempDir(), "keys.pem"), keyCtx)
	if err != nil {
		t.Fatalf("key bundle: %v", err)
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{Enabled: true, RootKey: material.Root, Descriptor: material.Descriptor, Context: keyCtx})
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	backend := memory.New()
	store := New(backend, WithCrypto(crypto))
	rec := newRecord(RoleCustodian)
	rec.Secret = "0x1111111111111111111111111111111111111111111111111111111111111111"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, err := backend.GetObject(ctx, string(RoleCustodian), rec.TxnID)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	payload, _ := io.ReadAll(raw.Reader)
	raw.Reader.Close()
	if bytes.Contains(payload, []byte(rec.Secret)) {
		t.Fatal("secret stored in plaintext")
	}
	if raw.Info.ContentType != storage.ContentTypeJSONEncrypted {
		t.Fatalf("content type %q", raw.Info.ContentType)
	}
	got, err := store.Get(ctx, RoleCustodian, rec.TxnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Secret != rec.Secret || got.SourceAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("decrypted record mismatch %+v", got)
	}
	if _, err := New(backend).Get(ctx, RoleCustodian, rec.TxnID); err == nil {
		t.Fatal("expected error reading encrypted record without keys")
	}
}
