package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudo(t *testing.T) {
	got := pseudo([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	if want := "v0.0.0-20260304050607-0123456789ab+dirty"; got != want {
		t.Fatalf("pseudo = %q, want %q", got, want)
	}
	if got := pseudo(nil); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v9.9.9"
	defer func() { buildVersion = old }()
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("Current = %q", got)
	}
}
