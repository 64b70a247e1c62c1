package stride

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/stride/client"
	"pkt.systems/stride/internal/ledger"
	"pkt.systems/stride/internal/ledger/sim"
	"pkt.systems/stride/internal/record"
	"pkt.systems/stride/internal/storage/memory"
	"pkt.systems/stride/internal/swap"
)

var simSeq atomic.Uint64

// simConfig returns a custodian config over two fresh simulated ledgers with
// fast blocks.
func simConfig(t *testing.T) Config {
	t.Helper()
	n := simSeq.Add(1)
	src := fmt.Sprintf("test-src-%d", n)
	dst := fmt.Sprintf("test-dst-%d", n)
	t.Cleanup(func() {
		sim.Forget(src)
		sim.Forget(dst)
	})
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Source = LedgerConfig{URL: "sim://" + src, Address: testCustodian, BlockInterval: 20 * time.Millisecond}
	cfg.Destination = LedgerConfig{URL: "sim://" + dst, Address: testCustodian, BlockInterval: 20 * time.Millisecond, Fund: "1000000"}
	cfg.TimeoutBlocks = 40
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	cfg.RecoverInterval = 0
	return cfg
}

// sharedSim returns the simulated ledger lc names. The server must have
// opened it already.
func sharedSim(t *testing.T, lc LedgerConfig) *sim.Ledger {
	t.Helper()
	u, err := url.Parse(lc.URL)
	if err != nil {
		t.Fatalf("parse ledger url: %v", err)
	}
	return sim.Shared(sim.Config{Name: u.Host})
}

func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Fatalf("stop server: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerHealthAndReady(t *testing.T) {
	cfg := simConfig(t)
	_, base := startServer(t, cfg)
	cli, err := client.New(base)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	health, err := cli.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ready" {
		t.Fatalf("expected ready, got %+v", health)
	}
}

func TestServerAndUserSwapEndToEnd(t *testing.T) {
	cfg := simConfig(t)
	srv, base := startServer(t, cfg)

	ucfg := UserConfig{Config: cfg, Server: base}
	ucfg.Store = "mem://"
	ucfg.Source.Address = testUser
	ucfg.Source.Fund = "1000000"
	ucfg.Destination.Address = testUser
	ucfg.Destination.Fund = ""
	user, err := NewUser(ucfg)
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	defer user.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	final, err := user.Swap(ctx, big.NewInt(1500), "")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if final.Status != string(record.StatusComplete) || final.Outcome != string(record.OutcomeClaimed) {
		t.Fatalf("unexpected user final state %s/%s (%s)", final.Status, final.Outcome, final.LastError)
	}
	if got := sharedSim(t, cfg.Destination).Balance(testUser); got.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected user destination balance 1500, got %s", got)
	}
	if got := sharedSim(t, cfg.Source).Balance(testCustodian); got.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected custodian source balance 1500, got %s", got)
	}

	cli := user.Client()
	waitFor(t, 5*time.Second, func() bool {
		view, err := cli.GetSwap(context.Background(), final.TxnID)
		return err == nil && view.Terminal
	})
	view, err := cli.GetSwap(context.Background(), final.TxnID)
	if err != nil {
		t.Fatalf("get swap: %v", err)
	}
	if view.Outcome != string(record.OutcomeClaimed) || view.Role != string(record.RoleCustodian) {
		t.Fatalf("unexpected custodian view %+v", view)
	}
	list, err := user.List(context.Background(), false, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one user record, got %d (%v)", len(list), err)
	}
	if n, err := srv.Custodian().Store().List(context.Background(), record.RoleCustodian, record.Filter{ActiveOnly: true}); err != nil || len(n) != 0 {
		t.Fatalf("expected no active custodian swaps, got %d (%v)", len(n), err)
	}
}

func TestUserRejectsZeroDestinationAmount(t *testing.T) {
	cfg := simConfig(t)
	cfg.Rate = "0.001"
	_, base := startServer(t, cfg)

	ucfg := UserConfig{Config: cfg, Server: base}
	ucfg.Source.Address = testUser
	ucfg.Destination.Address = testUser
	ucfg.Destination.Fund = ""
	user, err := NewUser(ucfg)
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	defer user.Close()
	// 10 * 0.001 floors to zero.
	if _, err := user.Swap(context.Background(), big.NewInt(10), ""); err == nil {
		t.Fatal("expected invalid request")
	}
	list, err := user.List(context.Background(), false, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("rejected swap must leave no record, got %d (%v)", len(list), err)
	}
}

func TestServerRecoversParkedSwapOnStart(t *testing.T) {
	cfg := simConfig(t)
	backend := memory.New()
	store := record.New(backend)
	ctx := context.Background()
	secret := "0x0000000000000000000000000000000000000000000000000000000000000003"
	hash, err := ledger.HashSecret(secret)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	// A swap accepted by a previous process that never reached the ledger.
	rec := &record.Record{
		TxnID:             "0190d4f6-0000-7000-8000-000000000001",
		Role:              record.RoleCustodian,
		Status:            record.StatusReceived,
		SourceAmount:      big.NewInt(10),
		DestinationAmount: big.NewInt(10),
		UserAddress:       testUser,
		CustodianAddress:  testCustodian,
		TimeoutInterval:   cfg.TimeoutBlocks,
		SecretHash:        hash,
		Secret:            secret,
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	srv, _ := startServer(t, cfg, WithBackend(backend))
	waitFor(t, 10*time.Second, func() bool {
		got, err := srv.Custodian().Get(ctx, rec.TxnID)
		return err == nil && got.Terminal()
	})
	got, err := srv.Custodian().Get(ctx, rec.TxnID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Nobody deposits on the source ledger, so the custodian reclaims.
	if got.Outcome != record.OutcomeRefunded {
		t.Fatalf("expected refunded, got %s/%s (%s)", got.Status, got.Outcome, got.LastError)
	}
	if n := sharedSim(t, cfg.Destination).Submissions(ledger.MethodDeposit); n != 1 {
		t.Fatalf("expected one destination deposit, got %d", n)
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	cfg := simConfig(t)
	cfg.Source.Address = ""
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestServerWithCustodianOptions(t *testing.T) {
	cfg := simConfig(t)
	srv, err := NewServer(cfg, WithCustodianOptions(swap.WithIDGenerator(func() string { return "fixed" })))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
