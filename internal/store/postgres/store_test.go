package postgres

import (
	"testing"
	"time"
)

func TestOccurredAtKeepsMicroseconds(t *testing.T) {
	at := occurredAt(time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.FixedZone("WIB", 7*3600)))
	want := time.Date(2026, 3, 2, 2, 0, 0, 123456000, time.UTC)
	if !at.Equal(want) || at.Location() != time.UTC {
		t.Fatalf("expected %v, got %v", want, at)
	}
	if now := occurredAt(time.Time{}); now.IsZero() || now.Nanosecond()%1000 != 0 {
		t.Fatalf("zero time should become the current microsecond, got %v", now)
	}
}
