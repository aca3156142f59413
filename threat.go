package reqguard

import (
	"sync"
	"sync/atomic"
)

const (
	MinThreatLevel = 0
	MaxThreatLevel = 10
)

// Protection level names.
const (
	ProtectionNormal  = "normal"
	ProtectionMedium  = "medium"
	ProtectionHigh    = "high"
	ProtectionMaximum = "maximum"
)

// ThreatConfig holds the tick thresholds and the base limit that
// AdjustedLimits tightens.
type ThreatConfig struct {
	RaiseBlockRate      float64 `yaml:"raiseBlockRate"`
	RaiseSuspiciousRate float64 `yaml:"raiseSuspiciousRate"`
	LowerBlockRate      float64 `yaml:"lowerBlockRate"`
	LowerSuspiciousRate float64 `yaml:"lowerSuspiciousRate"`
	BaseLimit           Limit   `yaml:"baseLimit"`
}

func DefaultThreatConfig() ThreatConfig {
	return ThreatConfig{
		RaiseBlockRate:      0.10,
		RaiseSuspiciousRate: 0.30,
		LowerBlockRate:      0.02,
		LowerSuspiciousRate: 0.05,
		BaseLimit:           DefaultLimits()[ActionAPI],
	}
}

// Tally counts requests classified since the last tick.
type Tally struct {
	Total      int64 `json:"total"`
	Blocked    int64 `json:"blocked"`
	Suspicious int64 `json:"suspicious"`
}

// ThreatTransition describes one tick.
type ThreatTransition struct {
	From  int
	To    int
	Tally Tally
}

// Changed reports whether the tick moved the level.
func (t ThreatTransition) Changed() bool { return t.From != t.To }

// ThreatState is the process-wide strictness dial. The level only moves
// through Tick, by at most one step, and stays within [0,10].
type ThreatState struct {
	cfg ThreatConfig

	level      atomic.Int32
	total      atomic.Int64
	blocked    atomic.Int64
	suspicious atomic.Int64

	tickMu sync.Mutex
}

func NewThreatState(cfg ThreatConfig) *ThreatState {
	def := DefaultThreatConfig()
	if cfg.RaiseBlockRate <= 0 {
		cfg.RaiseBlockRate = def.RaiseBlockRate
	}
	if cfg.RaiseSuspiciousRate <= 0 {
		cfg.RaiseSuspiciousRate = def.RaiseSuspiciousRate
	}
	if cfg.LowerBlockRate <= 0 {
		cfg.LowerBlockRate = def.LowerBlockRate
	}
	if cfg.LowerSuspiciousRate <= 0 {
		cfg.LowerSuspiciousRate = def.LowerSuspiciousRate
	}
	if cfg.BaseLimit.Requests <= 0 || cfg.BaseLimit.Window <= 0 {
		cfg.BaseLimit = def.BaseLimit
	}
	return &ThreatState{cfg: cfg}
}

// Record adds one classified request to the tally.
func (s *ThreatState) Record(blocked, suspicious bool) {
	s.total.Add(1)
	if blocked {
		s.blocked.Add(1)
	}
	if suspicious {
		s.suspicious.Add(1)
	}
}

// Tally returns the counts accumulated since the last tick.
func (s *ThreatState) Tally() Tally {
	return Tally{
		Total:      s.total.Load(),
		Blocked:    s.blocked.Load(),
		Suspicious: s.suspicious.Load(),
	}
}

// Level returns the current level.
func (s *ThreatState) Level() int {
	return int(s.level.Load())
}

// Tick recomputes the level from the tally and resets the tally. Without
// traffic the level decays by one.
func (s *ThreatState) Tick() ThreatTransition {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	tally := Tally{
		Total:      s.total.Swap(0),
		Blocked:    s.blocked.Swap(0),
		Suspicious: s.suspicious.Swap(0),
	}
	from := s.Level()
	to := from
	if tally.Total == 0 {
		to--
	} else {
		blockRate := float64(tally.Blocked) / float64(tally.Total)
		suspRate := float64(tally.Suspicious) / float64(tally.Total)
		switch {
		case blockRate > s.cfg.RaiseBlockRate || suspRate > s.cfg.RaiseSuspiciousRate:
			to++
		case blockRate < s.cfg.LowerBlockRate && suspRate < s.cfg.LowerSuspiciousRate:
			to--
		}
	}
	to = min(max(to, MinThreatLevel), MaxThreatLevel)
	s.level.Store(int32(to))
	return ThreatTransition{From: from, To: to, Tally: tally}
}

// ProtectionLevel names the current level band.
func (s *ThreatState) ProtectionLevel() string {
	return protectionLevel(s.Level())
}

func protectionLevel(level int) string {
	switch {
	case level >= 9:
		return ProtectionMaximum
	case level >= 6:
		return ProtectionHigh
	case level >= 3:
		return ProtectionMedium
	default:
		return ProtectionNormal
	}
}

// Multiplier is the factor applied to request counts at the current level.
func (s *ThreatState) Multiplier() float64 {
	switch s.ProtectionLevel() {
	case ProtectionMaximum:
		return 0.25
	case ProtectionHigh:
		return 0.5
	case ProtectionMedium:
		return 0.75
	default:
		return 1
	}
}

// AdjustLimit tightens l for the current level. The count never drops
// below one and the window is unchanged.
func (s *ThreatState) AdjustLimit(l Limit) Limit {
	l.Requests = max(1, int(float64(l.Requests)*s.Multiplier()))
	return l
}

// AdjustedLimits returns the general API limit for the current level.
func (s *ThreatState) AdjustedLimits() Limit {
	return s.AdjustLimit(s.cfg.BaseLimit)
}
