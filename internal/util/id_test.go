package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("case")
	if !strings.HasPrefix(id, "case_") {
		t.Fatalf("NewID(case) = %q, want case_ prefix", id)
	}
	if len(id) != len("case_")+32 {
		t.Fatalf("NewID(case) length = %d", len(id))
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("NewID(\"\") should not contain a separator")
	}
	if NewID("x") == NewID("x") {
		t.Fatal("expected distinct ids")
	}
}
