package claim

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesUpToMax(t *testing.T) {
	max := 10 * time.Second
	cases := []struct {
		current time.Duration
		want    time.Duration
	}{
		{1 * time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, 10 * time.Second}, // capped
	}
	for _, c := range cases {
		got := nextBackoff(c.current, max)
		if got != c.want {
			t.Fatalf("nextBackoff(%v, %v) = %v, want %v", c.current, max, got, c.want)
		}
	}
}

func TestAvailableCapacityTracksActive(t *testing.T) {
	l := &Loop{opts: Options{Capacity: 2}}
	if got := l.availableCapacity(); got != 2 {
		t.Fatalf("want 2, got %d", got)
	}
	l.acquire()
	if got := l.availableCapacity(); got != 1 {
		t.Fatalf("want 1, got %d", got)
	}
	l.acquire()
	if got := l.availableCapacity(); got != 0 {
		t.Fatalf("want 0, got %d", got)
	}
	l.release()
	if got := l.availableCapacity(); got != 1 {
		t.Fatalf("want 1, got %d", got)
	}
}

func TestCapacityReportsAvailableAndTotal(t *testing.T) {
	l := &Loop{opts: Options{Capacity: 3}}
	avail, total := l.Capacity()
	if avail != 3 || total != 3 {
		t.Fatalf("want (3, 3), got (%d, %d)", avail, total)
	}
	l.acquire()
	avail, total = l.Capacity()
	if avail != 2 || total != 3 {
		t.Fatalf("want (2, 3), got (%d, %d)", avail, total)
	}
}

func TestSplitTokenRoundTrips(t *testing.T) {
	tok := "cGF5bG9hZA.c2ln" // "payload"."sig" base64url, no padding
	payload, sig, err := splitToken(tok)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if string(payload) != "payload" {
		t.Fatalf("want payload, got %q", payload)
	}
	if string(sig) != "sig" {
		t.Fatalf("want sig, got %q", sig)
	}
}

func TestSplitTokenRejectsMalformed(t *testing.T) {
	if _, _, err := splitToken("no-dot-here"); err == nil {
		t.Fatal("expected error for token without a separator")
	}
}
