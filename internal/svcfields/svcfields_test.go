package svcfields

import "testing"

func TestSubsystem(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"swap"}, "swap"},
		{[]string{"ledger", "", ".sim."}, "ledger.sim"},
		{[]string{" ", "."}, ""},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, "swap") == nil {
		t.Fatal("expected a logger")
	}
	if WithSwap(nil, "user", "abc") == nil {
		t.Fatal("expected a logger")
	}
}
