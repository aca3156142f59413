package reqguard

import (
	"fmt"
	"testing"
	"time"
)

func profileRequest(method, path string) *RequestDescriptor {
	return &RequestDescriptor{
		Method: method,
		Path:   path,
		Headers: map[string]string{
			"user-agent":      "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0",
			"accept":          "text/html",
			"accept-language": "en-US",
		},
	}
}

func TestProfilerBoundedHistory(t *testing.T) {
	p := NewBehaviorProfiler(DefaultProfilerConfig())
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 150; i++ {
		p.Observe("1.1.1.1", profileRequest("GET", fmt.Sprintf("/p/%d", i)), base.Add(time.Duration(i)*time.Second))
	}
	hist := p.History("1.1.1.1")
	if len(hist) != 100 {
		t.Fatalf("expected 100 records, got %d", len(hist))
	}
	for i, rec := range hist {
		want := fmt.Sprintf("/p/%d", i+50)
		if rec.Path != want {
			t.Fatalf("record %d: got %s, want %s", i, rec.Path, want)
		}
		if i > 0 && rec.Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatalf("records out of order at %d", i)
		}
	}
}

func TestProfilerWellFormedTrafficIsClean(t *testing.T) {
	p := NewBehaviorProfiler(DefaultProfilerConfig())
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		res := p.Observe("5.6.7.8", profileRequest("GET", "/"), now.Add(time.Duration(i)*5*time.Second))
		if res.Suspicious || res.Score != 0 || len(res.Reasons) != 0 {
			t.Fatalf("clean traffic flagged: %+v", res)
		}
	}
}

func TestProfilerScanner(t *testing.T) {
	p := NewBehaviorProfiler(DefaultProfilerConfig())
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	now := time.Unix(1_700_000_000, 0)
	var res BehaviorResult
	for i := 0; i < 31; i++ {
		req := &RequestDescriptor{
			Method:  methods[i%len(methods)],
			Path:    fmt.Sprintf("/scan/%d", i%25),
			Headers: map[string]string{"accept": "*/*"},
		}
		res = p.Observe("1.2.3.4", req, now.Add(time.Duration(i)*time.Second))
	}
	if !res.Suspicious || res.Score < 3 {
		t.Fatalf("expected suspicious with score >= 3, got %+v", res)
	}
	for _, want := range []string{ReasonScanBreadth, ReasonMethodDiversity, ReasonHeaderAnomaly} {
		found := false
		for _, r := range res.Reasons {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing reason %s in %v", want, res.Reasons)
		}
	}
}

func TestProfilerCredentialProbingAndTiming(t *testing.T) {
	p := NewBehaviorProfiler(DefaultProfilerConfig())
	now := time.Unix(1_700_000_000, 0)
	var res BehaviorResult
	for i := 0; i < 6; i++ {
		res = p.Observe("9.9.9.9", profileRequest("POST", "/api/login"), now.Add(time.Duration(i)*10*time.Millisecond))
	}
	if !res.Suspicious || res.Score != 2 {
		t.Fatalf("expected credential probing and timing, got %+v", res)
	}
}

func TestProfilerRecentWindowOnly(t *testing.T) {
	p := NewBehaviorProfiler(DefaultProfilerConfig())
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 6; i++ {
		p.Observe("9.9.9.9", profileRequest("POST", "/login"), now.Add(time.Duration(i)*10*time.Second))
	}
	res := p.Observe("9.9.9.9", profileRequest("POST", "/login"), now.Add(10*time.Minute))
	if res.Score != 0 {
		t.Fatalf("old requests should fall out of the recent window, got %+v", res)
	}
}

func TestProfilerSweep(t *testing.T) {
	cfg := DefaultProfilerConfig()
	cfg.MaxProfiles = 2
	p := NewBehaviorProfiler(cfg)
	now := time.Unix(1_700_000_000, 0)

	p.Observe("old", profileRequest("GET", "/"), now.Add(-2*time.Hour))
	p.Observe("a", profileRequest("GET", "/"), now.Add(-time.Minute))
	// Map is full: "b" is profiled but not stored.
	p.Observe("b", profileRequest("GET", "/"), now)
	if p.Len() != 2 {
		t.Fatalf("expected 2 stored profiles, got %d", p.Len())
	}
	if p.History("b") != nil {
		t.Fatalf("over capacity identity should not be stored")
	}

	if removed := p.Sweep(now); removed != 1 {
		t.Fatalf("expected 1 idle profile removed, got %d", removed)
	}
	if p.History("old") != nil {
		t.Fatalf("idle profile survived sweep")
	}
	p.Observe("b", profileRequest("GET", "/"), now)
	if len(p.History("b")) != 1 {
		t.Fatalf("identity should be stored once room is available")
	}
}
