package idempotency

import (
	"regexp"
	"testing"
	"time"

	"example.com/landingtrack/internal/domain"
)

func TestFingerprintStable(t *testing.T) {
	p := &domain.Payload{CustomData: domain.DefaultProduct.CustomData()}
	q := &domain.Payload{CustomData: domain.DefaultProduct.CustomData()}
	if Fingerprint(domain.EventViewContent, p) != Fingerprint(domain.EventViewContent, q) {
		t.Fatal("equal payloads must share a fingerprint")
	}
	if Fingerprint(domain.EventViewContent, p) == Fingerprint(domain.EventPageView, p) {
		t.Fatal("event name must be part of the fingerprint")
	}
	q.UserData.Email = "a@b.co"
	if Fingerprint(domain.EventViewContent, p) == Fingerprint(domain.EventViewContent, q) {
		t.Fatal("payload must be part of the fingerprint")
	}
}

func TestDeriveKeyPrefersEventID(t *testing.T) {
	if k, src := DeriveKey("evt-1", domain.EventPageView, nil); k != "evt-1" || src != KeyFromEventID {
		t.Fatalf("DeriveKey = %q %q", k, src)
	}
	if _, src := DeriveKey("", domain.EventPageView, &domain.Payload{}); src != KeyFromComposite {
		t.Fatalf("src = %q", src)
	}
}

func TestChannelEventIDShape(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	base := BaseEventID(domain.EventViewContent, at)
	id := ChannelEventID(base, domain.ChannelPixel)
	re := regexp.MustCompile(`^view_content_1700000000000_[0-9a-z]{9}_fb-pixel-direct$`)
	if !re.MatchString(id) {
		t.Fatalf("id = %s", id)
	}
	if BaseOf(id, domain.ChannelPixel) != base {
		t.Fatalf("BaseOf(%s) != %s", id, base)
	}
}
