package convo

import (
	"strings"
	"testing"
)

func TestChatIDCommutative(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"u1", "u2", "u1_u2"},
		{"u2", "u1", "u1_u2"},
		{"zed", "abe", "abe_zed"},
		{"abe", "zed", "abe_zed"},
	}
	for _, tt := range tests {
		if got := ChatID(tt.a, tt.b); got != tt.want {
			t.Errorf("ChatID(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestChatIDSamePairSameID(t *testing.T) {
	if ChatID("alice", "bob") != ChatID("bob", "alice") {
		t.Error("ChatID is not commutative")
	}
}

func TestGroupIDFormat(t *testing.T) {
	id := GroupID()
	if !strings.HasPrefix(id, "group-") {
		t.Errorf("GroupID() = %q, want group- prefix", id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		t.Fatalf("GroupID() = %q, want 3 dash-separated parts", id)
	}
	for _, part := range parts[1:] {
		for _, r := range part {
			if !strings.ContainsRune(base36, r) {
				t.Errorf("GroupID() part %q contains non-base36 rune %q", part, r)
			}
		}
	}
	if len(parts[2]) != 6 {
		t.Errorf("random token = %q, want 6 chars", parts[2])
	}
}

func TestGroupIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := GroupID()
		if seen[id] {
			t.Fatalf("duplicate group id %q", id)
		}
		seen[id] = true
	}
}
