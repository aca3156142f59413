package reqguard

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("reqguard: invalid config")

// BandwidthConfig sizes the per-identity throughput bucket in bytes.
type BandwidthConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refillPerSecond"`
}

func DefaultBandwidthConfig() BandwidthConfig {
	return BandwidthConfig{Capacity: 10 << 20, RefillPerSecond: 1 << 20}
}

// Config is the init-time configuration of the pipeline. It is plain data:
// the caller resolves it from its own environment.
type Config struct {
	Limits               map[ActionClass]Limit `yaml:"limits"`
	Bandwidth            BandwidthConfig       `yaml:"bandwidth"`
	BanDuration          time.Duration         `yaml:"banDuration"`
	EscalatedBanDuration time.Duration         `yaml:"escalatedBanDuration"`

	Profiler   ProfilerConfig   `yaml:"profiler"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Threat     ThreatConfig     `yaml:"threat"`

	ScanCacheSize int           `yaml:"scanCacheSize"`
	ScanCacheTTL  time.Duration `yaml:"scanCacheTTL"`

	SweepInterval time.Duration `yaml:"sweepInterval"`
	TickInterval  time.Duration `yaml:"tickInterval"`
	LedgerTTL     time.Duration `yaml:"ledgerTTL"`

	AllowCIDRs       []string `yaml:"allowCIDRs"`
	DenyCIDRs        []string `yaml:"denyCIDRs"`
	BlockedCountries []string `yaml:"blockedCountries"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Limits:               DefaultLimits(),
		Bandwidth:            DefaultBandwidthConfig(),
		BanDuration:          time.Hour,
		EscalatedBanDuration: 24 * time.Hour,
		Profiler:             DefaultProfilerConfig(),
		Aggregator:           DefaultAggregatorConfig(),
		Threat:               DefaultThreatConfig(),
		ScanCacheSize:        10000,
		ScanCacheTTL:         5 * time.Minute,
		SweepInterval:        5 * time.Minute,
		TickInterval:         time.Minute,
		LedgerTTL:            10 * time.Minute,
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	for class, l := range c.Limits {
		if class == "" {
			return fmt.Errorf("%w: limit with empty action class", ErrInvalidConfig)
		}
		if l.Requests <= 0 {
			return fmt.Errorf("%w: %s limit has invalid request count %d", ErrInvalidConfig, class, l.Requests)
		}
		if l.Window <= 0 {
			return fmt.Errorf("%w: %s limit has invalid window %s", ErrInvalidConfig, class, l.Window)
		}
	}
	if c.Bandwidth.Capacity <= 0 || c.Bandwidth.RefillPerSecond <= 0 {
		return fmt.Errorf("%w: bandwidth capacity and refill must be positive", ErrInvalidConfig)
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"banDuration", c.BanDuration},
		{"escalatedBanDuration", c.EscalatedBanDuration},
		{"scanCacheTTL", c.ScanCacheTTL},
		{"sweepInterval", c.SweepInterval},
		{"tickInterval", c.TickInterval},
		{"ledgerTTL", c.LedgerTTL},
		{"profiler.recentWindow", c.Profiler.RecentWindow},
		{"profiler.profileTTL", c.Profiler.ProfileTTL},
		{"aggregator.scoreTTL", c.Aggregator.ScoreTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, p.name, p.d)
		}
	}
	if c.ScanCacheSize <= 0 {
		return fmt.Errorf("%w: scanCacheSize must be positive", ErrInvalidConfig)
	}
	if c.Aggregator.BlockThreshold <= 0 {
		return fmt.Errorf("%w: aggregator.blockThreshold must be positive", ErrInvalidConfig)
	}
	if c.Profiler.HistorySize <= 0 || c.Profiler.SuspiciousScore <= 0 || c.Profiler.MaxProfiles <= 0 {
		return fmt.Errorf("%w: profiler history size, suspicious score and max profiles must be positive", ErrInvalidConfig)
	}

	// Zero selects the default for these; negative values are mistakes.
	thresholds := []struct {
		name string
		v    int
	}{
		{"profiler.scanPaths", c.Profiler.ScanPaths},
		{"profiler.scanRequests", c.Profiler.ScanRequests},
		{"profiler.maxMethods", c.Profiler.MaxMethods},
		{"profiler.credentialRequests", c.Profiler.CredentialRequests},
		{"profiler.timingSamples", c.Profiler.TimingSamples},
		{"threat.baseLimit.requests", c.Threat.BaseLimit.Requests},
	}
	for _, th := range thresholds {
		if th.v < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidConfig, th.name, th.v)
		}
	}
	if c.Profiler.TimingMeanInterval < 0 {
		return fmt.Errorf("%w: profiler.timingMeanInterval must not be negative", ErrInvalidConfig)
	}
	if c.Threat.BaseLimit.Window < 0 {
		return fmt.Errorf("%w: threat.baseLimit.window must not be negative", ErrInvalidConfig)
	}
	rates := []struct {
		name string
		v    float64
	}{
		{"threat.raiseBlockRate", c.Threat.RaiseBlockRate},
		{"threat.raiseSuspiciousRate", c.Threat.RaiseSuspiciousRate},
		{"threat.lowerBlockRate", c.Threat.LowerBlockRate},
		{"threat.lowerSuspiciousRate", c.Threat.LowerSuspiciousRate},
	}
	for _, r := range rates {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("%w: %s must be within [0, 1], got %g", ErrInvalidConfig, r.name, r.v)
		}
	}

	if _, err := parseCIDRs(c.AllowCIDRs); err != nil {
		return fmt.Errorf("%w: allowCIDRs: %v", ErrInvalidConfig, err)
	}
	if _, err := parseCIDRs(c.DenyCIDRs); err != nil {
		return fmt.Errorf("%w: denyCIDRs: %v", ErrInvalidConfig, err)
	}
	for _, cc := range c.BlockedCountries {
		if len(strings.TrimSpace(cc)) != 2 {
			return fmt.Errorf("%w: blocked country %q is not an ISO alpha-2 code", ErrInvalidConfig, cc)
		}
	}
	return nil
}

// parseCIDRs accepts prefixes and bare addresses.
func parseCIDRs(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR or address %q", v)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// identityAddr parses identity as an address. Identities are not validated
// on extraction, so this may fail; list and geo checks then do not apply.
func identityAddr(identity ClientIdentity) netip.Addr {
	s := string(identity)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap()
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
