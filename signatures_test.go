package reqguard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMatchBotUserAgent(t *testing.T) {
	cases := []struct {
		ua   string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"curl/8.4.0", true},
		{"python-requests/2.31", true},
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", true},
		{"Mozilla/5.0 (compatible; GPTBot/1.0)", true},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36", false},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", false},
	}
	for _, tc := range cases {
		if got := MatchBotUserAgent(tc.ua); got != tc.want {
			t.Fatalf("MatchBotUserAgent(%q) = %v, want %v", tc.ua, got, tc.want)
		}
	}
}

func TestMatchAutomationToolReportsEveryMatch(t *testing.T) {
	res := MatchAutomationTool("Mozilla/5.0 HeadlessChrome/120.0 Puppeteer selenium")
	if !res.Automated {
		t.Fatalf("expected automation to be detected")
	}
	want := map[string]bool{"headless_chrome": true, "puppeteer": true, "selenium": true}
	if len(res.Tools) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), res.Tools)
	}
	for _, tool := range res.Tools {
		if !want[tool] {
			t.Fatalf("unexpected tool %q", tool)
		}
	}

	if res := MatchAutomationTool("Mozilla/5.0 Chrome/120.0"); res.Automated || len(res.Tools) != 0 {
		t.Fatalf("plain browser flagged as automation: %+v", res)
	}
	if res := MatchAutomationTool(""); res.Automated {
		t.Fatalf("empty user agent should not be automation")
	}
}

func TestCompileCatalogFailsOnBadPattern(t *testing.T) {
	spec := DefaultCatalogSpec()
	spec.Payload = append(spec.Payload, PayloadRule{Category: CategorySQL, Pattern: `(unclosed`})
	_, err := CompileCatalog(spec)
	if err == nil {
		t.Fatalf("expected compile error")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadCatalogFileFallsBackPerTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := []byte("botUserAgents:\n  - evilbot\nautomationTools: []\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if !cat.MatchBotUserAgent("EvilBot/1.0") {
		t.Fatalf("custom bot pattern not applied")
	}
	if cat.MatchBotUserAgent("curl/8.0") {
		t.Fatalf("bot table should be replaced, not merged")
	}
	if !cat.MatchAutomationTool("HeadlessChrome").Automated {
		t.Fatalf("empty automation table should fall back to defaults")
	}
	if len(cat.Spec().Payload) != len(DefaultCatalogSpec().Payload) {
		t.Fatalf("payload table should fall back to defaults")
	}
}
