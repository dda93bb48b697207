package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("blk")
	if !strings.HasPrefix(id, "blk_") {
		t.Fatalf("NewID(blk) = %q, want blk_ prefix", id)
	}
	if len(id) != len("blk_")+32 {
		t.Fatalf("NewID(blk) length = %d", len(id))
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("unprefixed id must not contain a separator")
	}
}
