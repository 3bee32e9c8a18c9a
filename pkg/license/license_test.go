package license

import (
	"errors"
	"testing"
	"time"
)

func TestExpiryFor(t *testing.T) {
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		kind string
		want time.Time
	}{
		{KindPermanent, time.Time{}},
		{KindDays30, issued.Add(30 * 24 * time.Hour)},
		{KindDays90, issued.Add(90 * 24 * time.Hour)},
		{KindDays365, issued.Add(365 * 24 * time.Hour)},
	}
	for _, tc := range cases {
		got, err := ExpiryFor(tc.kind, issued, time.Time{})
		if err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.kind, got, tc.want)
		}
	}
	custom := issued.Add(48 * time.Hour)
	got, err := ExpiryFor(KindCustom, issued, custom)
	if err != nil || !got.Equal(custom) {
		t.Fatalf("custom expiry: got %v err %v", got, err)
	}
	if _, err := ExpiryFor("weekly", issued, time.Time{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	c := &Credential{ExpiresAt: now.Add(-time.Hour)}
	if !c.IsExpired(now) {
		t.Fatal("past expiry should report expired")
	}
	c = &Credential{}
	if c.IsExpired(now) {
		t.Fatal("permanent key must never expire")
	}
}

func TestOriginAllowed(t *testing.T) {
	c := &Credential{AllowedOrigins: []string{"Game.Example.com", "other.test"}}
	if !c.OriginAllowed("game.example.com") {
		t.Fatal("origin match should be case-insensitive")
	}
	if c.OriginAllowed("evil.test") {
		t.Fatal("unlisted origin allowed")
	}
	open := &Credential{}
	if !open.OriginAllowed("anything") {
		t.Fatal("empty restriction set must allow all origins")
	}
}

func TestBoundTo(t *testing.T) {
	c := &Credential{BoundCallerID: "caller-1"}
	if c.BoundTo("caller-2") {
		t.Fatal("bound credential accepted wrong caller")
	}
	if !c.BoundTo("caller-1") {
		t.Fatal("bound credential rejected its caller")
	}
	if !(&Credential{}).BoundTo("anyone") {
		t.Fatal("unbound credential must accept any caller")
	}
}

func TestActivationsAndBan(t *testing.T) {
	c := &Credential{MaxActivations: 1, Uses: 1}
	if !c.ActivationsExhausted() {
		t.Fatal("max reached should report exhausted")
	}
	c = &Credential{Uses: 10000}
	if c.ActivationsExhausted() {
		t.Fatal("zero max means unlimited")
	}
	c.Ban("tamper detected", time.Now())
	if c.Status != StatusBanned || c.BanReason == "" || c.BannedAt.IsZero() {
		t.Fatalf("ban record incomplete: %+v", c)
	}
	if !IsTerminal(c.Status) {
		t.Fatal("banned must be terminal")
	}
}
