package reqguard

import (
	"slices"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Finding reasons produced by the built-in classifiers. Payload findings use
// ReasonPayloadPrefix followed by the category.
const (
	ReasonBotUserAgent   = "bot_user_agent"
	ReasonAutomationTool = "automation_tool"
	ReasonPayloadPrefix  = "payload:"
	ReasonRateLimited    = "rate_limited"
	ReasonBandwidth      = "bandwidth_exceeded"
	ReasonOversize       = "payload_too_large"
	ReasonCredentialBan  = "credential_limit_exceeded"
	ReasonGeoBlocked     = "geo_blocked"
	ReasonDenyList       = "deny_list"
	ReasonBanned         = "banned"
	ReasonScoreBlocked   = "score_threshold"
)

// Finding is one detection contributed to the aggregate score.
type Finding struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Signal is the partial result of one classifier.
type Signal struct {
	Source   string
	Findings []Finding

	// Suspicious marks behavioral suspicion without a hard decision.
	Suspicious bool

	// RateLimited asks the caller to retry after RetryAfter.
	RateLimited bool
	RetryAfter  time.Duration

	// Reject blocks this request without a ban or a retry hint.
	Reject bool

	// Ban requests a ban of the identity.
	Ban *BanRecord

	// Final stops the classifier chain with Action.
	Final  bool
	Action VerdictAction
}

// Weights maps finding reasons to score contributions.
type Weights struct {
	MissingHeader     int `yaml:"missingHeader"`
	BotUserAgent      int `yaml:"botUserAgent"`
	ScanBreadth       int `yaml:"scanBreadth"`
	MethodDiversity   int `yaml:"methodDiversity"`
	CredentialProbing int `yaml:"credentialProbing"`
	TimingRegularity  int `yaml:"timingRegularity"`
	PayloadFinding    int `yaml:"payloadFinding"`
	RateLimited       int `yaml:"rateLimited"`
	GeoBlocked        int `yaml:"geoBlocked"`
	AutomationTool    int `yaml:"automationTool"`
}

func DefaultWeights() Weights {
	return Weights{
		MissingHeader:     1,
		BotUserAgent:      3,
		ScanBreadth:       4,
		MethodDiversity:   2,
		CredentialProbing: 3,
		TimingRegularity:  2,
		PayloadFinding:    4,
		RateLimited:       2,
		GeoBlocked:        5,
		AutomationTool:    10,
	}
}

// For returns the weight of reason. Unknown reasons weigh nothing.
func (w Weights) For(reason string) int {
	if strings.HasPrefix(reason, ReasonPayloadPrefix) {
		return w.PayloadFinding
	}
	switch reason {
	case ReasonHeaderAnomaly:
		return w.MissingHeader
	case ReasonBotUserAgent:
		return w.BotUserAgent
	case ReasonScanBreadth:
		return w.ScanBreadth
	case ReasonMethodDiversity:
		return w.MethodDiversity
	case ReasonCredentialProbing:
		return w.CredentialProbing
	case ReasonTimingRegularity:
		return w.TimingRegularity
	case ReasonRateLimited, ReasonBandwidth, ReasonOversize, ReasonCredentialBan:
		return w.RateLimited
	case ReasonGeoBlocked:
		return w.GeoBlocked
	case ReasonAutomationTool:
		return w.AutomationTool
	}
	return 0
}

// AggregatorConfig configures scoring.
type AggregatorConfig struct {
	Weights        Weights       `yaml:"weights"`
	BlockThreshold int           `yaml:"blockThreshold"`
	ScoreTTL       time.Duration `yaml:"scoreTTL"`
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Weights:        DefaultWeights(),
		BlockThreshold: 10,
		ScoreTTL:       time.Hour,
	}
}

// Assessment is the merged result for one request.
type Assessment struct {
	Score      int
	Cumulative float64
	Reasons    []string
	Blocked    bool
	Suspicious bool
}

type scoreEntry struct {
	score float64
	last  time.Time
}

// ThreatAggregator sums weighted findings into a per-identity cumulative
// score. Scores only grow between sweeps; each sweep halves them.
type ThreatAggregator struct {
	cfg    AggregatorConfig
	scores *xsync.Map[ClientIdentity, scoreEntry]
}

func NewThreatAggregator(cfg AggregatorConfig) *ThreatAggregator {
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = DefaultAggregatorConfig().BlockThreshold
	}
	if cfg.ScoreTTL <= 0 {
		cfg.ScoreTTL = DefaultAggregatorConfig().ScoreTTL
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &ThreatAggregator{
		cfg:    cfg,
		scores: xsync.NewMap[ClientIdentity, scoreEntry](),
	}
}

// Assess merges signals for identity and updates its cumulative score.
func (a *ThreatAggregator) Assess(identity ClientIdentity, signals []Signal, now time.Time) Assessment {
	var out Assessment
	for _, sig := range signals {
		out.Suspicious = out.Suspicious || sig.Suspicious
		for _, f := range sig.Findings {
			out.Score += a.cfg.Weights.For(f.Reason)
			if !slices.Contains(out.Reasons, f.Reason) {
				out.Reasons = append(out.Reasons, f.Reason)
			}
		}
	}

	if out.Score > 0 {
		entry, _ := a.scores.Compute(identity, func(e scoreEntry, _ bool) (scoreEntry, xsync.ComputeOp) {
			e.score += float64(out.Score)
			e.last = now
			return e, xsync.UpdateOp
		})
		out.Cumulative = entry.score
	} else if entry, ok := a.scores.Load(identity); ok {
		out.Cumulative = entry.score
	}
	out.Blocked = out.Cumulative > float64(a.cfg.BlockThreshold)
	return out
}

// Cumulative returns the stored score of identity.
func (a *ThreatAggregator) Cumulative(identity ClientIdentity) float64 {
	e, _ := a.scores.Load(identity)
	return e.score
}

// Reset forgets identity's score.
func (a *ThreatAggregator) Reset(identity ClientIdentity) {
	a.scores.Delete(identity)
}

// Sweep halves every score and drops entries that are idle past ScoreTTL or
// decayed below one.
func (a *ThreatAggregator) Sweep(now time.Time) int {
	cutoff := now.Add(-a.cfg.ScoreTTL)
	removed := 0
	a.scores.Range(func(id ClientIdentity, _ scoreEntry) bool {
		a.scores.Compute(id, func(e scoreEntry, loaded bool) (scoreEntry, xsync.ComputeOp) {
			if !loaded {
				return e, xsync.CancelOp
			}
			e.score /= 2
			if e.last.Before(cutoff) || e.score < 1 {
				removed++
				return e, xsync.DeleteOp
			}
			return e, xsync.UpdateOp
		})
		return true
	})
	return removed
}

func (a *ThreatAggregator) Len() int { return a.scores.Size() }
