package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVsRedactsSecretsAndHashesUsers(t *testing.T) {
	got := sanitizeKVs([]interface{}{
		"api_key", "sk-live-123",
		"user_id", "6f1c7a0e-0000-4000-8000-000000000001",
		"session_id", "visible",
		"odd",
	})
	if len(got) != 7 {
		t.Fatalf("len: want=7 got=%d", len(got))
	}
	if got[1] != "[REDACTED]" {
		t.Fatalf("api_key: want=[REDACTED] got=%v", got[1])
	}
	if s, _ := got[3].(string); !strings.HasPrefix(s, "hash:") || len(s) != len("hash:")+12 {
		t.Fatalf("user_id: want hash:<12> got=%v", got[3])
	}
	if got[5] != "visible" {
		t.Fatalf("session_id: want=visible got=%v", got[5])
	}
	if got[6] != "odd" {
		t.Fatalf("trailing key dropped: got=%v", got[6])
	}
}

func TestSanitizeValueNestedMap(t *testing.T) {
	out := sanitizeValue("payload", map[string]interface{}{"authorization": "Bearer abc", "stage": "deploying"})
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("want map got=%T", out)
	}
	if m["authorization"] != "[REDACTED]" || m["stage"] != "deploying" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestLooksLikeJWT(t *testing.T) {
	if !looksLikeJWT("eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.sig") {
		t.Fatalf("expected jwt")
	}
	if looksLikeJWT("src/App.jsx") {
		t.Fatalf("path is not a jwt")
	}
}
