package bizdate

import (
	"testing"
	"time"
)

func TestZoneResolver(t *testing.T) {
	r, err := NewZoneResolver("Asia/Dhaka", 0)
	if err != nil {
		t.Fatalf("expected resolver: %v", err)
	}
	// 20:30 UTC is 02:30 next day in Dhaka (UTC+6).
	at := time.Date(2025, 3, 1, 20, 30, 0, 0, time.UTC)
	if got := r.Date(at); got != "2025-03-02" {
		t.Fatalf("expected 2025-03-02, got %s", got)
	}

	late, err := NewZoneResolver("Asia/Dhaka", 4)
	if err != nil {
		t.Fatalf("expected resolver: %v", err)
	}
	if got := late.Date(at); got != "2025-03-01" {
		t.Fatalf("expected cutoff to keep 2025-03-01, got %s", got)
	}
}

func TestNewZoneResolverRejectsBadInput(t *testing.T) {
	if _, err := NewZoneResolver("Mars/Olympus", 0); err == nil {
		t.Fatalf("expected unknown zone error")
	}
	if _, err := NewZoneResolver("UTC", 24); err == nil {
		t.Fatalf("expected cutoff error")
	}
}

func TestValid(t *testing.T) {
	if !Valid("2025-12-31") {
		t.Fatalf("expected valid date")
	}
	if Valid("31/12/2025") || Valid("") {
		t.Fatalf("expected invalid dates to be rejected")
	}
}
