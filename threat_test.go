package reqguard

import (
	"testing"
	"time"
)

func TestThreatStateRaisesAndLowers(t *testing.T) {
	s := NewThreatState(DefaultThreatConfig())
	for i := 0; i < 10; i++ {
		s.Record(i < 2, false)
	}
	tr := s.Tick()
	if tr.From != 0 || tr.To != 1 || !tr.Changed() {
		t.Fatalf("expected raise to 1, got %+v", tr)
	}
	if tr.Tally.Total != 10 || tr.Tally.Blocked != 2 {
		t.Fatalf("unexpected tally %+v", tr.Tally)
	}
	if got := s.Tally(); got != (Tally{}) {
		t.Fatalf("tally not reset: %+v", got)
	}

	for i := 0; i < 100; i++ {
		s.Record(false, false)
	}
	if tr := s.Tick(); tr.To != 0 {
		t.Fatalf("expected lower to 0, got %+v", tr)
	}
}

func TestThreatStateHoldsInBand(t *testing.T) {
	s := NewThreatState(DefaultThreatConfig())
	s.level.Store(4)
	for i := 0; i < 100; i++ {
		// 5% blocked: neither raise nor lower.
		s.Record(i < 5, false)
	}
	if tr := s.Tick(); tr.Changed() {
		t.Fatalf("level should hold, got %+v", tr)
	}
}

func TestThreatStateIdleDecay(t *testing.T) {
	s := NewThreatState(DefaultThreatConfig())
	s.level.Store(3)
	s.Tick()
	if s.Level() != 2 {
		t.Fatalf("expected decay to 2, got %d", s.Level())
	}
}

func TestThreatStateBounds(t *testing.T) {
	s := NewThreatState(DefaultThreatConfig())
	for i := 0; i < 50; i++ {
		s.Record(true, true)
		s.Tick()
		if l := s.Level(); l < MinThreatLevel || l > MaxThreatLevel {
			t.Fatalf("level out of bounds: %d", l)
		}
	}
	if s.Level() != MaxThreatLevel {
		t.Fatalf("expected max level, got %d", s.Level())
	}
	for i := 0; i < 50; i++ {
		s.Tick()
	}
	if s.Level() != MinThreatLevel {
		t.Fatalf("expected min level, got %d", s.Level())
	}
}

func TestThreatStateProtectionAndLimits(t *testing.T) {
	s := NewThreatState(DefaultThreatConfig())
	cases := []struct {
		level    int32
		name     string
		requests int
	}{
		{0, ProtectionNormal, 100},
		{2, ProtectionNormal, 100},
		{3, ProtectionMedium, 75},
		{6, ProtectionHigh, 50},
		{9, ProtectionMaximum, 25},
		{10, ProtectionMaximum, 25},
	}
	for _, tc := range cases {
		s.level.Store(tc.level)
		if got := s.ProtectionLevel(); got != tc.name {
			t.Fatalf("level %d: protection %s, want %s", tc.level, got, tc.name)
		}
		l := s.AdjustedLimits()
		if l.Requests != tc.requests || l.Window != time.Minute {
			t.Fatalf("level %d: limits %+v, want %d/1m", tc.level, l, tc.requests)
		}
	}

	s.level.Store(10)
	if got := s.AdjustLimit(Limit{Requests: 3, Window: time.Hour}); got.Requests != 1 {
		t.Fatalf("adjusted limit should not drop below 1, got %+v", got)
	}
}
