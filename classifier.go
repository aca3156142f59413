package reqguard

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Evaluation is the shared state of one request passing through the
// classifier chain.
type Evaluation struct {
	Request   *RequestDescriptor
	Identity  ClientIdentity
	Addr      netip.Addr
	Action    ActionClass
	UserAgent string
	Now       time.Time

	// Behavior is the profiler's view of the identity including this
	// request. The engine observes every request before the chain runs, so
	// short-circuited requests are still profiled.
	Behavior BehaviorResult
	observed bool
}

// ClassifierRegistry holds classifiers by name in registration order.
type ClassifierRegistry struct {
	mu          sync.RWMutex
	classifiers map[string]Classifier
	order       []string
}

func NewClassifierRegistry() *ClassifierRegistry {
	return &ClassifierRegistry{classifiers: make(map[string]Classifier)}
}

// Register adds c at the end of the chain. Names must be unique.
func (r *ClassifierRegistry) Register(c Classifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("%w: classifier without a name", ErrInvalidConfig)
	}
	if _, exists := r.classifiers[name]; exists {
		return fmt.Errorf("%w: classifier %q already registered", ErrInvalidConfig, name)
	}
	r.classifiers[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *ClassifierRegistry) Get(name string) (Classifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classifiers[name]
	return c, ok
}

// Chain returns the classifiers in registration order.
func (r *ClassifierRegistry) Chain() []Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Classifier, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.classifiers[name])
	}
	return out
}

func (r *ClassifierRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// ListClassifier applies the static allow and deny prefixes.
type ListClassifier struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

func NewListClassifier(allow, deny []netip.Prefix) *ListClassifier {
	return &ListClassifier{allow: allow, deny: deny}
}

func (c *ListClassifier) Name() string { return "lists" }

func (c *ListClassifier) Classify(ev *Evaluation) Signal {
	if prefixesContain(c.deny, ev.Addr) {
		return Signal{
			Source:   c.Name(),
			Findings: []Finding{{Reason: ReasonDenyList, Detail: ev.Addr.String()}},
			Final:    true,
			Action:   VerdictBlock,
		}
	}
	if prefixesContain(c.allow, ev.Addr) {
		return Signal{Source: c.Name(), Final: true, Action: VerdictAllow}
	}
	return Signal{}
}

// BanClassifier short-circuits identities with an active ban.
type BanClassifier struct {
	store BanStore
}

func NewBanClassifier(store BanStore) *BanClassifier {
	return &BanClassifier{store: store}
}

func (c *BanClassifier) Name() string { return "ban" }

func (c *BanClassifier) Classify(ev *Evaluation) Signal {
	rec, err := c.store.Lookup(ev.Identity, ev.Now)
	if err != nil || rec == nil {
		return Signal{}
	}
	return Signal{
		Source:     c.Name(),
		Findings:   []Finding{{Reason: ReasonBanned, Detail: rec.Reason}},
		RetryAfter: rec.Until.Sub(ev.Now),
		Ban:        rec,
		Final:      true,
		Action:     VerdictBlock,
	}
}

// UserAgentClassifier flags crawler and scripting client user agents.
type UserAgentClassifier struct {
	catalog func() *Catalog
}

func NewUserAgentClassifier(catalog func() *Catalog) *UserAgentClassifier {
	return &UserAgentClassifier{catalog: catalog}
}

func (c *UserAgentClassifier) Name() string { return "user_agent" }

func (c *UserAgentClassifier) Classify(ev *Evaluation) Signal {
	if !c.catalog().MatchBotUserAgent(ev.UserAgent) {
		return Signal{}
	}
	return Signal{Source: c.Name(), Findings: []Finding{{Reason: ReasonBotUserAgent, Detail: ev.UserAgent}}}
}

// AutomationClassifier flags browser automation frameworks and requests an
// escalated ban.
type AutomationClassifier struct {
	catalog     func() *Catalog
	banDuration time.Duration
}

func NewAutomationClassifier(catalog func() *Catalog, banDuration time.Duration) *AutomationClassifier {
	return &AutomationClassifier{catalog: catalog, banDuration: banDuration}
}

func (c *AutomationClassifier) Name() string { return "automation" }

func (c *AutomationClassifier) Classify(ev *Evaluation) Signal {
	res := c.catalog().MatchAutomationTool(ev.UserAgent)
	if !res.Automated {
		return Signal{}
	}
	tools := strings.Join(res.Tools, ",")
	return Signal{
		Source:   c.Name(),
		Findings: []Finding{{Reason: ReasonAutomationTool, Detail: tools}},
		Ban: &BanRecord{
			Identity:  ev.Identity,
			Until:     ev.Now.Add(c.banDuration),
			Reason:    "automation tool: " + tools,
			Kind:      BanKindAutomation,
			Escalated: true,
			CreatedAt: ev.Now,
		},
	}
}

// PayloadClassifier scans the path, query, params and body.
type PayloadClassifier struct {
	scanner *PayloadScanner
}

func NewPayloadClassifier(scanner *PayloadScanner) *PayloadClassifier {
	return &PayloadClassifier{scanner: scanner}
}

func (c *PayloadClassifier) Name() string { return "payload" }

func (c *PayloadClassifier) Classify(ev *Evaluation) Signal {
	req := ev.Request
	values := []any{req.Path}
	for _, k := range slices.Sorted(maps.Keys(req.Query)) {
		values = append(values, req.Query[k])
	}
	for _, k := range slices.Sorted(maps.Keys(req.Params)) {
		values = append(values, req.Params[k])
	}
	if len(req.Body) > 0 {
		values = append(values, req.Body)
	}

	var sig Signal
	seen := make(map[PayloadCategory]bool)
	for _, v := range values {
		res := c.scanner.Scan(v)
		for _, f := range res.Findings {
			if seen[f.Category] {
				continue
			}
			seen[f.Category] = true
			sig.Findings = append(sig.Findings, Finding{Reason: ReasonPayloadPrefix + string(f.Category), Detail: f.Pattern})
		}
	}
	if len(sig.Findings) > 0 {
		sig.Source = c.Name()
	}
	return sig
}

// BehaviorClassifier reports the profiler's result. It observes the request
// itself when no earlier step has. Its predicates only contribute to the
// score once the profiler marks the identity suspicious.
type BehaviorClassifier struct {
	profiler *BehaviorProfiler
}

func NewBehaviorClassifier(profiler *BehaviorProfiler) *BehaviorClassifier {
	return &BehaviorClassifier{profiler: profiler}
}

func (c *BehaviorClassifier) Name() string { return "behavior" }

func (c *BehaviorClassifier) Classify(ev *Evaluation) Signal {
	if !ev.observed {
		ev.Behavior = c.profiler.Observe(ev.Identity, ev.Request, ev.Now)
		ev.observed = true
	}
	res := ev.Behavior
	if !res.Suspicious {
		return Signal{}
	}
	sig := Signal{Source: c.Name(), Suspicious: true}
	for _, reason := range res.Reasons {
		sig.Findings = append(sig.Findings, Finding{Reason: reason})
	}
	return sig
}

// RateClassifier applies the action class windows and the bandwidth bucket.
// Exceeding a credential class window requests a ban.
type RateClassifier struct {
	limits      *LimiterSet
	banDuration time.Duration
}

func NewRateClassifier(limits *LimiterSet, banDuration time.Duration) *RateClassifier {
	return &RateClassifier{limits: limits, banDuration: banDuration}
}

func (c *RateClassifier) Name() string { return "rate" }

func (c *RateClassifier) Classify(ev *Evaluation) Signal {
	out := c.limits.Check(ev.Identity, ev.Action, ev.Request.ContentLength, ev.Now)
	if out.Allowed {
		return Signal{}
	}
	if out.Oversize {
		return Signal{
			Source:   c.Name(),
			Reject:   true,
			Findings: []Finding{{Reason: ReasonOversize, Detail: strconv.FormatInt(ev.Request.ContentLength, 10)}},
		}
	}
	sig := Signal{Source: c.Name(), RateLimited: true, RetryAfter: out.RetryAfter}
	switch {
	case out.Escalate:
		sig.Findings = []Finding{{Reason: ReasonCredentialBan, Detail: string(out.Class)}}
		sig.Ban = &BanRecord{
			Identity:  ev.Identity,
			Until:     ev.Now.Add(c.banDuration),
			Reason:    fmt.Sprintf("%s limit exceeded (%d per %s)", out.Class, out.Limit.Requests, out.Limit.Window),
			Kind:      BanKindCredential,
			CreatedAt: ev.Now,
		}
	case out.Bandwidth:
		sig.Findings = []Finding{{Reason: ReasonBandwidth}}
	default:
		sig.Findings = []Finding{{Reason: ReasonRateLimited, Detail: string(out.Class)}}
	}
	return sig
}

// GeoClassifier flags addresses located in blocked countries. Without a
// reader or blocked countries it never fires.
type GeoClassifier struct {
	reader  GeoReader
	blocked map[string]bool
}

func NewGeoClassifier(reader GeoReader, countries []string) *GeoClassifier {
	blocked := make(map[string]bool, len(countries))
	for _, cc := range countries {
		blocked[strings.ToUpper(strings.TrimSpace(cc))] = true
	}
	return &GeoClassifier{reader: reader, blocked: blocked}
}

func (c *GeoClassifier) Name() string { return "geo" }

func (c *GeoClassifier) Classify(ev *Evaluation) Signal {
	if c.reader == nil || len(c.blocked) == 0 || !ev.Addr.IsValid() {
		return Signal{}
	}
	country := c.reader.Country(ev.Addr)
	if country == "" || !c.blocked[country] {
		return Signal{}
	}
	return Signal{Source: c.Name(), Findings: []Finding{{Reason: ReasonGeoBlocked, Detail: country}}}
}
