package realtime

import (
	"net/http"
	"reflect"
	"testing"
	"time"

	v1 "helpdesk/contracts/presence/v1"

	"github.com/oklog/ulid/v2"
)

func v1Ping() v1.ServerMessage { return v1.NewPing(time.Now()) }

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 10*time.Second)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if !rl.Allow(base) || !rl.Allow(base.Add(time.Second)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(base.Add(2 * time.Second)) {
		t.Fatalf("third event inside the window must be denied")
	}
	if !rl.Allow(base.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("event after the oldest left the window must pass")
	}
}

func TestNewSessionID_IsULID(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	id, err := NewSessionID(now)
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("timestamp: got %v want %v", got, now)
	}
}

func TestClientIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientIP(r, false); got != "10.0.0.7" {
		t.Fatalf("untrusted: %q", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.9" {
		t.Fatalf("trusted: %q", got)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"https://b.example.com:8443", "http://A.example.com", "*", "", "b.example.com",
	})
	want := []string{"a.example.com", "b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
