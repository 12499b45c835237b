package promptstyle

import (
	"strings"
	"testing"
)

func TestApplySystemIsIdempotent(t *testing.T) {
	once := ApplySystem("Generate the app.\nMore.", "artifact")
	if !strings.HasPrefix(once, marker) || !strings.Contains(once, "Task summary: Generate the app.") {
		t.Fatalf("unexpected prompt: %q", once)
	}
	if !strings.Contains(once, "PROGRESS: ") {
		t.Fatalf("artifact mode must describe progress lines")
	}
	if twice := ApplySystem(once, "artifact"); twice != once {
		t.Fatalf("not idempotent")
	}
	if ApplySystem("   ", "artifact") != "" {
		t.Fatalf("blank prompt must stay blank")
	}
}
