package idgen

import (
	"strings"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if !Valid(id) {
			t.Fatalf("New() produced invalid uuid %q", id)
		}
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("rsk_")
	if !strings.HasPrefix(id, "rsk_") {
		t.Fatalf("expected rsk_ prefix, got %s", id)
	}
	if len(id) != len("rsk_")+32 {
		t.Fatalf("expected 36 chars, got %d (%s)", len(id), id)
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	if Valid("not-a-session") {
		t.Fatal("expected garbage to be invalid")
	}
}
