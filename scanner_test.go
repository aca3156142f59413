package reqguard

import (
	"reflect"
	"testing"
	"time"
)

func newTestScanner(t *testing.T) *PayloadScanner {
	t.Helper()
	s, err := NewPayloadScanner(DefaultCatalog(), 128, time.Minute)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestScanCleanInput(t *testing.T) {
	s := newTestScanner(t)
	for _, in := range []any{"hello world", nil, "", map[string]any{"text": "see you at 5pm"}, 42} {
		res := s.Scan(in)
		if res.Malicious || res.Confidence != 0 || len(res.Findings) != 0 {
			t.Fatalf("Scan(%v) = %+v, want clean", in, res)
		}
	}
}

func TestScanScriptInjection(t *testing.T) {
	s := newTestScanner(t)
	res := s.Scan("<script>alert(1)</script>")
	if !res.Malicious {
		t.Fatalf("expected malicious result")
	}
	found := false
	for _, f := range res.Findings {
		if f.Category == CategoryScript {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a script injection finding, got %+v", res.Findings)
	}
}

func TestScanIsIdempotentWithinTTL(t *testing.T) {
	s := newTestScanner(t)
	first := s.Scan("<script>alert(1)</script>")
	second := s.Scan("<script>alert(1)</script>")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	first.Findings[0].Pattern = "mutated"
	third := s.Scan("<script>alert(1)</script>")
	if third.Findings[0].Pattern == "mutated" {
		t.Fatalf("cached result shares memory with callers")
	}
}

func TestScanURLEncodedAndStructured(t *testing.T) {
	s := newTestScanner(t)

	res := s.Scan("%3Cscript%3Ealert(1)%3C%2Fscript%3E")
	if !res.Malicious {
		t.Fatalf("url encoded script not detected")
	}

	res = s.Scan(map[string]any{"username": map[string]any{"$ne": nil}})
	if !res.Malicious || res.Categories()[0] != CategoryNoSQL {
		t.Fatalf("nosql operator not detected: %+v", res)
	}

	res = s.Scan("../../etc/passwd")
	if len(res.Categories()) != 1 || res.Categories()[0] != CategoryPath {
		t.Fatalf("expected only path traversal, got %+v", res)
	}
}

func TestScanCategoryFilter(t *testing.T) {
	s := newTestScanner(t)
	payload := "' OR 1=1 -- <script>x</script>"
	if res := s.Scan(payload, CategoryPath); res.Malicious {
		t.Fatalf("filtered scan should ignore other categories: %+v", res)
	}
	res := s.Scan(payload, CategorySQL)
	for _, f := range res.Findings {
		if f.Category != CategorySQL {
			t.Fatalf("unexpected category %s", f.Category)
		}
	}
	if !res.Malicious {
		t.Fatalf("sql injection not detected")
	}
}

func TestConfidenceSteps(t *testing.T) {
	cases := map[int]float64{0: 0, 1: 0.4, 2: 0.8, 3: 1, 7: 1}
	for n, want := range cases {
		if got := confidence(n); got != want {
			t.Fatalf("confidence(%d) = %v, want %v", n, got, want)
		}
	}
}
