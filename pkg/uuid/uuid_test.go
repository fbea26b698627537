package uuid

import (
	"regexp"
	"testing"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNewV7_Format(t *testing.T) {
	u := NewV7()
	s := u.String()
	if !uuidRe.MatchString(s) {
		t.Errorf("UUID %q does not match v7 format", s)
	}
}

func TestNewV7_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := NewV7().String()
		if seen[s] {
			t.Fatalf("duplicate UUID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestNewV7_TimestampOrdered(t *testing.T) {
	// v7 UUIDs generated in sequence must never sort backwards by more than
	// one millisecond of clock skew; with a monotonic clock they sort forward.
	prev := NewV7().String()
	for i := 0; i < 100; i++ {
		next := NewV7().String()
		// Compare the 48-bit timestamp prefix only (first 12 hex chars + dash).
		if next[:13] < prev[:13] {
			t.Fatalf("timestamp prefix went backwards: %s then %s", prev, next)
		}
		prev = next
	}
}
