package reqguard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

// PayloadFinding is a single matched payload signature.
type PayloadFinding struct {
	Category PayloadCategory `json:"category"`
	Pattern  string          `json:"pattern"`
}

// ScanResult is the outcome of a payload scan.
type ScanResult struct {
	Malicious  bool             `json:"malicious"`
	Findings   []PayloadFinding `json:"findings,omitempty"`
	Confidence float64          `json:"confidence"`
}

// Categories returns the distinct categories among the findings in order of
// first appearance.
func (r ScanResult) Categories() []PayloadCategory {
	var out []PayloadCategory
	for _, f := range r.Findings {
		if !slices.Contains(out, f.Category) {
			out = append(out, f.Category)
		}
	}
	return out
}

// PayloadScanner matches arbitrary values against the catalog's payload
// signatures. Results are cached by content hash in a bounded cache.
type PayloadScanner struct {
	catalog    atomic.Pointer[Catalog]
	generation atomic.Uint64
	cache      otter.Cache[string, ScanResult]
}

// NewPayloadScanner builds a scanner whose cache holds at most capacity
// results, each for ttl.
func NewPayloadScanner(catalog *Catalog, capacity int, ttl time.Duration) (*PayloadScanner, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := otter.MustBuilder[string, ScanResult](capacity).
		Cost(func(_ string, _ ScanResult) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build scan cache: %w", err)
	}
	s := &PayloadScanner{cache: cache}
	s.catalog.Store(catalog)
	return s, nil
}

// SetCatalog swaps the rule set. Results cached under the previous rules are
// no longer returned.
func (s *PayloadScanner) SetCatalog(catalog *Catalog) {
	s.catalog.Store(catalog)
	s.generation.Add(1)
}

// Scan stringifies value and tests it against the payload rules, optionally
// restricted to categories. It never fails: nil or empty input is clean.
func (s *PayloadScanner) Scan(value any, categories ...PayloadCategory) ScanResult {
	text := stringify(value)
	if text == "" {
		return ScanResult{}
	}
	key := cacheKey(s.generation.Load(), text, categories)
	if res, ok := s.cache.Get(key); ok {
		return cloneResult(res)
	}
	res := s.scan(text, categories)
	s.cache.Set(key, res)
	return cloneResult(res)
}

// CacheSize reports the number of cached results.
func (s *PayloadScanner) CacheSize() int {
	return s.cache.Size()
}

// Close releases the cache.
func (s *PayloadScanner) Close() {
	s.cache.Close()
}

func (s *PayloadScanner) scan(text string, categories []PayloadCategory) ScanResult {
	inputs := []string{text}
	if decoded, err := url.QueryUnescape(text); err == nil && decoded != text {
		inputs = append(inputs, decoded)
	}

	var res ScanResult
	for _, rule := range s.catalog.Load().payload {
		if len(categories) > 0 && !slices.Contains(categories, rule.category) {
			continue
		}
		for _, in := range inputs {
			if rule.re.MatchString(in) {
				res.Findings = append(res.Findings, PayloadFinding{Category: rule.category, Pattern: rule.pattern})
				break
			}
		}
	}
	res.Malicious = len(res.Findings) > 0
	res.Confidence = confidence(len(res.Findings))
	return res
}

func confidence(findings int) float64 {
	switch {
	case findings <= 0:
		return 0
	case findings >= 3:
		return 1
	default:
		return 0.4 * float64(findings)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return fmt.Sprint(value)
	}
	text := strings.TrimSuffix(buf.String(), "\n")
	if text == "null" {
		return ""
	}
	return text
}

func cacheKey(generation uint64, text string, categories []PayloadCategory) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(generation, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(xxh3.HashString(text), 16))
	if len(categories) > 0 {
		sorted := slices.Clone(categories)
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)
		for _, c := range sorted {
			b.WriteByte('|')
			b.WriteString(string(c))
		}
	}
	return b.String()
}

func cloneResult(r ScanResult) ScanResult {
	r.Findings = slices.Clone(r.Findings)
	return r
}
