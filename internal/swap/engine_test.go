package swap

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pkt.systems/stride/internal/record"
)

func TestConvertAmount(t *testing.T) {
	cases := []struct {
		source int64
		rate   string
		want   int64
	}{
		{100, "1", 100},
		{100, "1.5", 150},
		{7, "0.5", 3},
		{100, "0.01", 1},
		{250, "0.01", 2},
		{99, "0.01", 0},
		{3, "0.333", 0},
	}
	for _, tc := range cases {
		got, err := ConvertAmount(big.NewInt(tc.source), decimal.RequireFromString(tc.rate))
		if tc.want == 0 {
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("%d at %s: expected ErrInvalidRequest, got %v", tc.source, tc.rate, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%d at %s: %v", tc.source, tc.rate, err)
		}
		if got.Int64() != tc.want {
			t.Fatalf("%d at %s: got %s, want %d", tc.source, tc.rate, got, tc.want)
		}
	}
}

func TestNextDelayCaps(t *testing.T) {
	cfg := Retry{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Multiplier: 2}
	d := cfg.BaseDelay
	var got []time.Duration
	for i := 0; i < 4; i++ {
		d = nextDelay(d, cfg)
		got = append(got, d)
	}
	want := []time.Duration{20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays %v, want %v", got, want)
		}
	}
}

func TestRolesCoverEveryActiveStatus(t *testing.T) {
	roles := map[*Role][]record.Status{
		CustodianRole(): {
			record.StatusReceived, record.StatusDestDeposited, record.StatusSourceSeen,
			record.StatusNoUserTimeout, record.StatusAcked,
		},
		UserRole(): {
			record.StatusRequested, record.StatusWaitDestDeposit, record.StatusSourceDeposited,
			record.StatusWaitSecretReveal, record.StatusClaimed, record.StatusChallenged,
		},
	}
	for role, active := range roles {
		if len(role.Steps) != len(active) {
			t.Fatalf("%s has %d steps, want %d", role.Name, len(role.Steps), len(active))
		}
		for _, status := range active {
			if _, ok := role.Steps[status]; !ok {
				t.Fatalf("%s has no step for %s", role.Name, status)
			}
		}
		if _, ok := role.Steps[role.Initial]; !ok {
			t.Fatalf("%s initial status %s has no step", role.Name, role.Initial)
		}
	}
}

func TestRequestChannelError(t *testing.T) {
	err := error(&RequestChannelError{Reason: "duplicate txn_id x", Err: record.ErrDuplicate})
	if !errors.Is(err, record.ErrDuplicate) {
		t.Fatalf("cause not unwrapped")
	}
	if err.Error() == "" {
		t.Fatalf("empty message")
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress(userAddr) || !ValidAddress("0X00000000000000000000000000000000000000A1") {
		t.Fatalf("valid address rejected")
	}
	for _, bad := range []string{"", "0x", "0xzz00000000000000000000000000000000000000", userAddr + "00"} {
		if ValidAddress(bad) {
			t.Fatalf("accepted %q", bad)
		}
	}
}
