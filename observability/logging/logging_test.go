package logging

import (
	"log/slog"
	"strings"
	"testing"
)

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("signer_key", "deadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected signer key to be redacted, got %q", attr.Value.String())
	}
	attr = MaskField("milestone", "3")
	if attr.Value.String() != "3" {
		t.Fatalf("expected milestone to pass through, got %q", attr.Value.String())
	}
	if MaskValue("  ") != "  " {
		t.Fatalf("blank values must not be replaced")
	}
}

func TestMaskURLDropsCredentials(t *testing.T) {
	masked := MaskURL("https://user:pw@eth-mainnet.example.com/v2/abcdefghijklmnopqrstuvwxyz0123?key=1")
	if strings.Contains(masked, "pw") || strings.Contains(masked, "abcdefghijklmnopqrstuvwxyz0123") {
		t.Fatalf("credentials leaked: %s", masked)
	}
	if !strings.Contains(masked, "eth-mainnet.example.com") {
		t.Fatalf("host should be preserved: %s", masked)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
