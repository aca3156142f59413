package reqguard

import (
	"testing"
	"time"
)

func TestBanStoreLazyExpiry(t *testing.T) {
	s := NewInMemoryBanStore()
	now := time.Unix(1_700_000_000, 0)
	if err := s.Ban(BanRecord{Identity: "1.1.1.1", Until: now.Add(time.Hour), Reason: "test"}); err != nil {
		t.Fatalf("ban: %v", err)
	}

	rec, err := s.Lookup("1.1.1.1", now.Add(30*time.Minute))
	if err != nil || rec == nil {
		t.Fatalf("expected active ban, got %v %v", rec, err)
	}

	rec, err = s.Lookup("1.1.1.1", now.Add(time.Hour))
	if err != nil || rec != nil {
		t.Fatalf("ban should be absent once expired, got %+v", rec)
	}
	if s.Len() != 1 {
		t.Fatalf("expired ban should stay stored until sweep")
	}
	if removed := s.Sweep(now.Add(time.Hour)); removed != 1 || s.Len() != 0 {
		t.Fatalf("sweep should remove the expired ban, removed=%d len=%d", removed, s.Len())
	}
}

func TestBanStoreKeepsLongerBan(t *testing.T) {
	s := NewInMemoryBanStore()
	now := time.Unix(1_700_000_000, 0)
	_ = s.Ban(BanRecord{Identity: "x", Until: now.Add(24 * time.Hour), Kind: BanKindAutomation, Escalated: true})
	_ = s.Ban(BanRecord{Identity: "x", Until: now.Add(time.Hour), Kind: BanKindScore})

	rec, _ := s.Lookup("x", now)
	if rec == nil || rec.Kind != BanKindAutomation {
		t.Fatalf("shorter ban replaced a longer one: %+v", rec)
	}
	if got := len(s.ActiveBans(now)); got != 1 {
		t.Fatalf("expected 1 active ban, got %d", got)
	}

	_ = s.Lift("x")
	if rec, _ := s.Lookup("x", now); rec != nil {
		t.Fatalf("lifted ban still active")
	}
}
