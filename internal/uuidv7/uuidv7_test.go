package uuidv7_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/stride/internal/uuidv7"
)

func TestNewIsVersion7AndUnique(t *testing.T) {
	a, b := uuidv7.New(), uuidv7.New()
	if a.Version() != 7 {
		t.Fatalf("expected version 7, got %d", a.Version())
	}
	if a == b {
		t.Fatal("expected distinct ids")
	}
}

func TestParseRoundTripsBytes(t *testing.T) {
	s := uuidv7.NewString()
	raw, err := uuidv7.Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	back, err := uuidv7.FromBytes(raw[:])
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if back != s {
		t.Fatalf("got %q, want %q", back, s)
	}
	if _, err := uuid.Parse(back); err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if _, err := uuidv7.Parse("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}
