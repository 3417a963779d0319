package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("res")
	if !strings.HasPrefix(id, "res_") {
		t.Fatalf("expected res_ prefix, got %s", id)
	}
	if len(id) != len("res_")+32 {
		t.Fatalf("unexpected id length: %s", id)
	}
	if NewID("res") == id {
		t.Fatal("ids should not repeat")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Payment Service", "payment-service"},
		{"  API -- Gateway  ", "api-gateway"},
		{"v2 (beta)", "v2-beta"},
		{"***", "untitled"},
		{"", "untitled"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
