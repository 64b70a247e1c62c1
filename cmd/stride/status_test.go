package main

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"pkt.systems/stride"
	"pkt.systems/stride/api"
	"pkt.systems/stride/internal/ledger/sim"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/storage/disk"
)

func seedDiskStore(t *testing.T, recs ...*record.Record) string {
	t.Helper()
	dir := t.TempDir()
	backend, err := disk.New(disk.Config{Root: dir})
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	defer backend.Close()
	store := record.New(backend)
	for _, rec := range recs {
		if err := store.Create(context.Background(), rec); err != nil {
			t.Fatalf("create %s: %v", rec.TxnID, err)
		}
	}
	return "disk://" + dir
}

func userRecord(id string, status record.Status, outcome record.Outcome) *record.Record {
	return &record.Record{
		TxnID:             id,
		Role:              record.RoleUser,
		Status:            status,
		Outcome:           outcome,
		SourceAmount:      big.NewInt(1500),
		DestinationAmount: big.NewInt(1500),
		UserAddress:       testUser,
		TimeoutInterval:   10,
		SecretHash:        "0x" + strings.Repeat("ab", 32),
	}
}

func TestStatusLocalList(t *testing.T) {
	store := seedDiskStore(t,
		userRecord("swap-1", record.StatusWaitDestDeposit, ""),
		userRecord("swap-2", record.StatusComplete, record.OutcomeClaimed),
	)
	stdout, _, err := executeRootCommand(t, "status", "--local", "--store", store, "--output", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var list api.SwapList
	if err := json.Unmarshal([]byte(stdout), &list); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout)
	}
	if len(list.Swaps) != 2 {
		t.Fatalf("expected two swaps, got %d", len(list.Swaps))
	}

	stdout, _, err = executeRootCommand(t, "status", "--local", "--store", store, "--active")
	if err != nil {
		t.Fatalf("status --active: %v", err)
	}
	if !strings.Contains(stdout, "swap-1") || strings.Contains(stdout, "swap-2") {
		t.Fatalf("expected only the active swap:\n%s", stdout)
	}
	if !strings.Contains(stdout, "1,500") {
		t.Fatalf("expected humanized amounts:\n%s", stdout)
	}
}

func TestStatusLocalSingle(t *testing.T) {
	store := seedDiskStore(t, userRecord("swap-1", record.StatusWaitDestDeposit, ""))
	stdout, _, err := executeRootCommand(t, "status", "swap-1", "--local", "--store", store)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"txn_id:", "swap-1", "WAIT_DEST_DEPOSIT", "history:"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in:\n%s", want, stdout)
		}
	}
	if _, _, err := executeRootCommand(t, "status", "missing", "--local", "--store", store); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusFollowStopsAtTerminal(t *testing.T) {
	store := seedDiskStore(t, userRecord("swap-done", record.StatusComplete, record.OutcomeRefunded))
	stdout, _, err := executeRootCommand(t, "status", "swap-done", "--local", "--store", store, "--follow", "--interval", "10ms")
	if err != nil {
		t.Fatalf("status --follow: %v", err)
	}
	if lines := strings.Count(stdout, "\n"); lines != 1 || !strings.Contains(stdout, "COMPLETE (refunded)") {
		t.Fatalf("expected one change line, got:\n%s", stdout)
	}
}

func TestStatusLocalRejectsRole(t *testing.T) {
	_, _, err := executeRootCommand(t, "status", "--local", "--role", "auditor")
	if err == nil || !strings.Contains(err.Error(), "--role") {
		t.Fatalf("expected role error, got %v", err)
	}
}

func TestStatusRemote(t *testing.T) {
	cfg := stride.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Source = stride.LedgerConfig{URL: "sim://cli-status-src", Address: testCustodian}
	cfg.Destination = stride.LedgerConfig{URL: "sim://cli-status-dst", Address: testCustodian}
	t.Cleanup(func() {
		sim.Forget("cli-status-src")
		sim.Forget("cli-status-dst")
	})
	srv, stop, err := stride.StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer stop(context.Background())
	base := "http://" + srv.ListenerAddr().String()

	stdout, _, err := executeRootCommand(t, "status", "--server", base)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(stdout) != "no swaps" {
		t.Fatalf("unexpected output %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "status", "unknown-id", "--server", base); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found, got %v", err)
	}
}
