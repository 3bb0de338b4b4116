package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"webhook_secret", "abc123",
		"user_email", "a@x.com",
		"run_id", "run-0011223344556677",
		"url", "https://relay.example.com/weblog/run-1/supersecret",
	})
	if len(out) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("secret not redacted: %v", out[1])
	}
	hashed, _ := out[3].(string)
	if !strings.HasPrefix(hashed, "hash:") || strings.Contains(hashed, "a@x.com") {
		t.Fatalf("email not hashed: %v", out[3])
	}
	if out[5] != "run-0011223344556677" {
		t.Fatalf("run_id should pass through, got %v", out[5])
	}
	if got := out[7].(string); strings.Contains(got, "supersecret") || !strings.HasSuffix(got, "/weblog/run-1/[REDACTED]") {
		t.Fatalf("weblog path not redacted: %s", got)
	}
}

func TestHashValueStable(t *testing.T) {
	a := hashValue("A@X.com")
	b := hashValue("a@x.com")
	if a != b {
		t.Fatalf("hash should be case-insensitive: %s vs %s", a, b)
	}
}
