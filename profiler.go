package reqguard

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Behavioral predicate names, also used as finding reasons.
const (
	ReasonScanBreadth       = "scan_breadth"
	ReasonMethodDiversity   = "method_diversity"
	ReasonCredentialProbing = "credential_probing"
	ReasonHeaderAnomaly     = "header_anomaly"
	ReasonTimingRegularity  = "timing_regularity"
)

// ProfilerConfig holds the behavioral thresholds.
type ProfilerConfig struct {
	HistorySize        int           `yaml:"historySize"`
	RecentWindow       time.Duration `yaml:"recentWindow"`
	ScanPaths          int           `yaml:"scanPaths"`
	ScanRequests       int           `yaml:"scanRequests"`
	MaxMethods         int           `yaml:"maxMethods"`
	CredentialRequests int           `yaml:"credentialRequests"`
	TimingSamples      int           `yaml:"timingSamples"`
	TimingMeanInterval time.Duration `yaml:"timingMeanInterval"`
	SuspiciousScore    int           `yaml:"suspiciousScore"`
	ProfileTTL         time.Duration `yaml:"profileTTL"`
	MaxProfiles        int           `yaml:"maxProfiles"`
}

// DefaultProfilerConfig returns the reference thresholds.
func DefaultProfilerConfig() ProfilerConfig {
	return ProfilerConfig{
		HistorySize:        100,
		RecentWindow:       time.Minute,
		ScanPaths:          20,
		ScanRequests:       30,
		MaxMethods:         4,
		CredentialRequests: 5,
		TimingSamples:      5,
		TimingMeanInterval: 100 * time.Millisecond,
		SuspiciousScore:    2,
		ProfileTTL:         time.Hour,
		MaxProfiles:        100000,
	}
}

// RequestRecord is the minimal snapshot the profiler keeps per request.
type RequestRecord struct {
	Timestamp time.Time
	Path      string
	Method    string
}

// IdentityProfile is the per-identity request history. The history is a
// fixed-capacity ring; the oldest record is overwritten first.
type IdentityProfile struct {
	mu sync.Mutex

	ring []RequestRecord
	head int
	size int

	UserAgent         string
	HasAccept         bool
	HasAcceptLanguage bool
	FirstSeen         time.Time
	LastSeen          time.Time
	Last              BehaviorResult
}

func newIdentityProfile(capacity int, req *RequestDescriptor, now time.Time) *IdentityProfile {
	return &IdentityProfile{
		ring:              make([]RequestRecord, capacity),
		UserAgent:         req.Header("User-Agent"),
		HasAccept:         req.HasHeader("Accept"),
		HasAcceptLanguage: req.HasHeader("Accept-Language"),
		FirstSeen:         now,
		LastSeen:          now,
	}
}

func (p *IdentityProfile) append(rec RequestRecord) {
	p.ring[(p.head+p.size)%len(p.ring)] = rec
	if p.size < len(p.ring) {
		p.size++
		return
	}
	p.head = (p.head + 1) % len(p.ring)
}

// records returns the history oldest first.
func (p *IdentityProfile) records() []RequestRecord {
	out := make([]RequestRecord, 0, p.size)
	for i := 0; i < p.size; i++ {
		out = append(out, p.ring[(p.head+i)%len(p.ring)])
	}
	return out
}

// BehaviorResult is the outcome of a profiler observation.
type BehaviorResult struct {
	Suspicious bool
	Score      int
	Reasons    []string
}

// BehaviorProfiler keeps a bounded request history per identity and derives
// behavioral signals from its recent slice. The predicates are heuristics:
// legitimate bulk API clients can trip scan breadth and timing regularity.
type BehaviorProfiler struct {
	cfg      ProfilerConfig
	profiles *xsync.Map[ClientIdentity, *IdentityProfile]
}

// NewBehaviorProfiler creates a profiler; zero fields fall back to defaults.
func NewBehaviorProfiler(cfg ProfilerConfig) *BehaviorProfiler {
	cfg = cfg.withDefaults()
	return &BehaviorProfiler{
		cfg:      cfg,
		profiles: xsync.NewMap[ClientIdentity, *IdentityProfile](),
	}
}

func (c ProfilerConfig) withDefaults() ProfilerConfig {
	def := DefaultProfilerConfig()
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.ScanPaths <= 0 {
		c.ScanPaths = def.ScanPaths
	}
	if c.ScanRequests <= 0 {
		c.ScanRequests = def.ScanRequests
	}
	if c.MaxMethods <= 0 {
		c.MaxMethods = def.MaxMethods
	}
	if c.CredentialRequests <= 0 {
		c.CredentialRequests = def.CredentialRequests
	}
	if c.TimingSamples <= 0 {
		c.TimingSamples = def.TimingSamples
	}
	if c.TimingMeanInterval <= 0 {
		c.TimingMeanInterval = def.TimingMeanInterval
	}
	if c.SuspiciousScore <= 0 {
		c.SuspiciousScore = def.SuspiciousScore
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = def.ProfileTTL
	}
	if c.MaxProfiles <= 0 {
		c.MaxProfiles = def.MaxProfiles
	}
	return c
}

// Observe records req for identity and evaluates the predicates.
func (p *BehaviorProfiler) Observe(identity ClientIdentity, req *RequestDescriptor, now time.Time) BehaviorResult {
	if req == nil {
		req = &RequestDescriptor{}
	}
	prof := p.profile(identity, req, now)

	prof.mu.Lock()
	defer prof.mu.Unlock()

	prof.append(RequestRecord{Timestamp: now, Path: req.Path, Method: strings.ToUpper(req.Method)})
	prof.LastSeen = now

	res := p.evaluate(prof.recent(now.Add(-p.cfg.RecentWindow)), req)
	prof.Last = res
	return res
}

func (p *BehaviorProfiler) profile(identity ClientIdentity, req *RequestDescriptor, now time.Time) *IdentityProfile {
	if prof, ok := p.profiles.Load(identity); ok {
		return prof
	}
	if p.profiles.Size() >= p.cfg.MaxProfiles {
		// Over capacity: profile this request without storing it until
		// the next sweep frees room.
		return newIdentityProfile(p.cfg.HistorySize, req, now)
	}
	prof, _ := p.profiles.LoadOrCompute(identity, func() (*IdentityProfile, bool) {
		return newIdentityProfile(p.cfg.HistorySize, req, now), false
	})
	return prof
}

func (p *IdentityProfile) recent(cutoff time.Time) []RequestRecord {
	all := p.records()
	idx := 0
	for idx < len(all) && all[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return all[idx:]
}

func (p *BehaviorProfiler) evaluate(recent []RequestRecord, req *RequestDescriptor) BehaviorResult {
	var res BehaviorResult
	flag := func(reason string) {
		res.Score++
		res.Reasons = append(res.Reasons, reason)
	}

	paths := make(map[string]struct{}, len(recent))
	methods := make(map[string]struct{}, 5)
	credential := 0
	for _, rec := range recent {
		paths[rec.Path] = struct{}{}
		if rec.Method != "" {
			methods[rec.Method] = struct{}{}
		}
		if isCredentialPath(rec.Path) {
			credential++
		}
	}

	if len(paths) >= p.cfg.ScanPaths && len(recent) > p.cfg.ScanRequests {
		flag(ReasonScanBreadth)
	}
	if len(methods) > p.cfg.MaxMethods {
		flag(ReasonMethodDiversity)
	}
	if credential > p.cfg.CredentialRequests {
		flag(ReasonCredentialProbing)
	}
	if !req.HasHeader("Accept") || !req.HasHeader("Accept-Language") {
		flag(ReasonHeaderAnomaly)
	}
	if n := len(recent); n >= p.cfg.TimingSamples {
		mean := recent[n-1].Timestamp.Sub(recent[0].Timestamp) / time.Duration(n-1)
		if mean < p.cfg.TimingMeanInterval {
			flag(ReasonTimingRegularity)
		}
	}

	res.Suspicious = res.Score >= p.cfg.SuspiciousScore
	return res
}

func isCredentialPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "login") || strings.Contains(lower, "register")
}

// History returns a copy of the identity's stored records, oldest first.
func (p *BehaviorProfiler) History(identity ClientIdentity) []RequestRecord {
	prof, ok := p.profiles.Load(identity)
	if !ok {
		return nil
	}
	prof.mu.Lock()
	defer prof.mu.Unlock()
	return prof.records()
}

// Last returns the result of the identity's most recent observation.
func (p *BehaviorProfiler) Last(identity ClientIdentity) (BehaviorResult, bool) {
	prof, ok := p.profiles.Load(identity)
	if !ok {
		return BehaviorResult{}, false
	}
	prof.mu.Lock()
	defer prof.mu.Unlock()
	return prof.Last, true
}

// Len reports the number of stored profiles.
func (p *BehaviorProfiler) Len() int {
	return p.profiles.Size()
}

// Sweep drops profiles idle longer than ProfileTTL, then evicts the least
// recently seen profiles until the map fits MaxProfiles. It returns the
// number of removed profiles.
func (p *BehaviorProfiler) Sweep(now time.Time) int {
	type seen struct {
		id   ClientIdentity
		last time.Time
	}
	cutoff := now.Add(-p.cfg.ProfileTTL)
	removed := 0
	var live []seen
	p.profiles.Range(func(id ClientIdentity, prof *IdentityProfile) bool {
		prof.mu.Lock()
		last := prof.LastSeen
		prof.mu.Unlock()
		if last.Before(cutoff) {
			p.profiles.Delete(id)
			removed++
			return true
		}
		live = append(live, seen{id: id, last: last})
		return true
	})

	if excess := len(live) - p.cfg.MaxProfiles; excess > 0 {
		slices.SortFunc(live, func(a, b seen) int { return a.last.Compare(b.last) })
		for _, s := range live[:excess] {
			p.profiles.Delete(s.id)
			removed++
		}
	}
	return removed
}
