package reqguard

import (
	"errors"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"negative window": func(c *Config) { c.Limits[ActionLogin] = Limit{Requests: 5, Window: -time.Second} },
		"zero requests":   func(c *Config) { c.Limits[ActionAPI] = Limit{Requests: 0, Window: time.Minute} },
		"zero ban":        func(c *Config) { c.BanDuration = 0 },
		"zero tick":       func(c *Config) { c.TickInterval = 0 },
		"bad threshold":   func(c *Config) { c.Aggregator.BlockThreshold = -1 },
		"bad cidr":        func(c *Config) { c.DenyCIDRs = []string{"10.0.0.0/99"} },
		"bad country":     func(c *Config) { c.BlockedCountries = []string{"USA"} },
		"no bandwidth":    func(c *Config) { c.Bandwidth.Capacity = 0 },

		"negative scan paths":       func(c *Config) { c.Profiler.ScanPaths = -1 },
		"negative scan requests":    func(c *Config) { c.Profiler.ScanRequests = -5 },
		"negative max methods":      func(c *Config) { c.Profiler.MaxMethods = -1 },
		"negative credential limit": func(c *Config) { c.Profiler.CredentialRequests = -1 },
		"negative timing samples":   func(c *Config) { c.Profiler.TimingSamples = -2 },
		"negative timing interval":  func(c *Config) { c.Profiler.TimingMeanInterval = -time.Millisecond },
		"negative raise rate":       func(c *Config) { c.Threat.RaiseBlockRate = -0.1 },
		"negative lower rate":       func(c *Config) { c.Threat.LowerSuspiciousRate = -0.5 },
		"rate above one":            func(c *Config) { c.Threat.RaiseSuspiciousRate = 1.5 },
		"negative base limit":       func(c *Config) { c.Threat.BaseLimit.Requests = -10 },
		"negative base window":      func(c *Config) { c.Threat.BaseLimit.Window = -time.Minute },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestConfigValidateZeroMeansDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiler.ScanPaths = 0
	cfg.Profiler.TimingMeanInterval = 0
	cfg.Threat = ThreatConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero thresholds should select defaults, got %v", err)
	}
}

func TestConfigYAMLOverlay(t *testing.T) {
	cfg := DefaultConfig()
	doc := []byte(`
banDuration: 2h
limits:
  login:
    requests: 3
    window: 10m
denyCIDRs: ["203.0.113.0/24", "198.51.100.7"]
aggregator:
  blockThreshold: 20
`)
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BanDuration != 2*time.Hour {
		t.Fatalf("ban duration not decoded: %s", cfg.BanDuration)
	}
	if l := cfg.Limits[ActionLogin]; l.Requests != 3 || l.Window != 10*time.Minute {
		t.Fatalf("login limit not decoded: %+v", l)
	}
	if l := cfg.Limits[ActionAPI]; l.Requests != 100 {
		t.Fatalf("untouched limits should keep defaults: %+v", l)
	}
	if cfg.Aggregator.BlockThreshold != 20 || cfg.Aggregator.Weights.AutomationTool != 10 {
		t.Fatalf("aggregator overlay wrong: %+v", cfg.Aggregator)
	}

	prefixes, err := parseCIDRs(cfg.DenyCIDRs)
	if err != nil || len(prefixes) != 2 {
		t.Fatalf("parse cidrs: %v %v", prefixes, err)
	}
	if !prefixesContain(prefixes, identityAddr("198.51.100.7")) || !prefixesContain(prefixes, identityAddr("203.0.113.9:443")) {
		t.Fatalf("expected deny list hits")
	}
	if prefixesContain(prefixes, identityAddr("not-an-ip")) {
		t.Fatalf("invalid identity must not match")
	}
}
