package reqguard

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/log"
)

// Engine runs the classifier chain and turns its signals into verdicts.
type Engine struct {
	cfg     Config
	now     func() time.Time
	logger  *log.Logger
	metrics MetricsCollector
	geo     GeoReader

	catalog    atomic.Pointer[Catalog]
	scanner    *PayloadScanner
	profiler   *BehaviorProfiler
	limits     *LimiterSet
	bans       BanStore
	aggregator *ThreatAggregator
	threat     *ThreatState
	ledger     *DetectionLedger
	registry   *ClassifierRegistry
	extra      []Classifier
	spec       *CatalogSpec

	scheduler *Scheduler
	startOnce sync.Once
	running   atomic.Bool
}

type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithGeoReader enables the country heuristic. The engine does not close
// the reader.
func WithGeoReader(g GeoReader) Option {
	return func(e *Engine) { e.geo = g }
}

func WithCatalog(c *Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog.Store(c)
		}
	}
}

// WithCatalogSpec compiles spec when the engine is built. A pattern that
// does not compile fails NewEngine.
func WithCatalogSpec(spec CatalogSpec) Option {
	return func(e *Engine) { e.spec = &spec }
}

func WithBanStore(s BanStore) Option {
	return func(e *Engine) { e.bans = s }
}

// WithClassifiers appends classifiers after the built-in chain.
func WithClassifiers(cs ...Classifier) Option {
	return func(e *Engine) { e.extra = append(e.extra, cs...) }
}

// NewEngine validates cfg and wires the pipeline. It fails on invalid
// configuration, including signature patterns that do not compile.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = NewLogger(LogConfig{})
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.bans == nil {
		e.bans = NewInMemoryBanStore()
	}
	if e.spec != nil {
		catalog, err := CompileCatalog(*e.spec)
		if err != nil {
			return nil, err
		}
		e.catalog.Store(catalog)
	}
	if e.catalog.Load() == nil {
		e.catalog.Store(DefaultCatalog())
	}

	allow, err := parseCIDRs(cfg.AllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("%w: allowCIDRs: %v", ErrInvalidConfig, err)
	}
	deny, err := parseCIDRs(cfg.DenyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("%w: denyCIDRs: %v", ErrInvalidConfig, err)
	}
	scanner, err := NewPayloadScanner(e.catalog.Load(), cfg.ScanCacheSize, cfg.ScanCacheTTL)
	if err != nil {
		return nil, err
	}

	e.scanner = scanner
	e.profiler = NewBehaviorProfiler(cfg.Profiler)
	e.threat = NewThreatState(cfg.Threat)
	e.limits = NewLimiterSet(cfg.Limits, cfg.Bandwidth, e.threat)
	e.aggregator = NewThreatAggregator(cfg.Aggregator)
	e.ledger = NewDetectionLedger(cfg.LedgerTTL)
	e.scheduler = NewScheduler(e.logger)

	e.registry = NewClassifierRegistry()
	builtin := []Classifier{
		NewListClassifier(allow, deny),
		NewBanClassifier(e.bans),
		NewUserAgentClassifier(e.catalog.Load),
		NewAutomationClassifier(e.catalog.Load, cfg.EscalatedBanDuration),
		NewPayloadClassifier(e.scanner),
		NewBehaviorClassifier(e.profiler),
		NewRateClassifier(e.limits, cfg.BanDuration),
		NewGeoClassifier(e.geo, cfg.BlockedCountries),
	}
	for _, c := range append(builtin, e.extra...) {
		if err := e.registry.Register(c); err != nil {
			scanner.Close()
			return nil, err
		}
	}
	return e, nil
}

// Evaluate classifies one request. It never fails: malformed input is
// treated as absent signals.
func (e *Engine) Evaluate(req *RequestDescriptor) Verdict {
	if req == nil {
		req = &RequestDescriptor{}
	}
	now := e.now()
	identity := ExtractIdentity(req)
	ev := &Evaluation{
		Request:   req,
		Identity:  identity,
		Addr:      identityAddr(identity),
		Action:    ClassifyAction(req),
		UserAgent: req.Header("User-Agent"),
		Now:       now,
	}
	ev.Behavior = e.profiler.Observe(identity, req, now)
	ev.observed = true

	var (
		signals []Signal
		verdict Verdict
		final   bool
	)
	for _, c := range e.registry.Chain() {
		sig := c.Classify(ev)
		if sig.Final {
			verdict = e.finalVerdict(ev, sig)
			final = true
			break
		}
		signals = append(signals, sig)
	}
	if !final {
		verdict = e.decide(ev, signals)
	}

	e.threat.Record(!verdict.Allow, ev.Behavior.Suspicious)
	e.observe(ev, verdict)
	return verdict
}

func (e *Engine) finalVerdict(ev *Evaluation, sig Signal) Verdict {
	v := Verdict{Allow: sig.Action == VerdictAllow, Action: sig.Action, Identity: ev.Identity}
	if v.Action == "" {
		v.Action = VerdictBlock
	}
	for _, f := range sig.Findings {
		v.Reasons = append(v.Reasons, f.Reason)
	}
	if sig.Ban != nil {
		v.Banned = true
	}
	v.RetryAfterSeconds = retrySeconds(sig.RetryAfter)
	return v
}

func (e *Engine) decide(ev *Evaluation, signals []Signal) Verdict {
	assessment := e.aggregator.Assess(ev.Identity, signals, ev.Now)
	v := Verdict{
		Allow:    true,
		Action:   VerdictAllow,
		Reasons:  assessment.Reasons,
		Score:    assessment.Score,
		Identity: ev.Identity,
	}

	var (
		ban         *BanRecord
		rejected    bool
		rateLimited bool
		retry       time.Duration
	)
	for _, sig := range signals {
		if sig.Ban != nil && (ban == nil || sig.Ban.Until.After(ban.Until)) {
			ban = sig.Ban
		}
		rejected = rejected || sig.Reject
		if sig.RateLimited {
			rateLimited = true
			retry = max(retry, sig.RetryAfter)
		}
	}
	if assessment.Blocked {
		v.Reasons = append(v.Reasons, ReasonScoreBlocked)
		if ban == nil {
			ban = &BanRecord{
				Identity:  ev.Identity,
				Until:     ev.Now.Add(e.cfg.BanDuration),
				Reason:    fmt.Sprintf("threat score %.1f over %d", assessment.Cumulative, e.aggregator.cfg.BlockThreshold),
				Kind:      BanKindScore,
				CreatedAt: ev.Now,
			}
		}
	}

	switch {
	case ban != nil:
		e.applyBan(*ban)
		v.Allow = false
		v.Action = VerdictBlock
		v.Banned = true
		v.RetryAfterSeconds = retrySeconds(ban.Until.Sub(ev.Now))
	case rejected:
		v.Allow = false
		v.Action = VerdictBlock
	case rateLimited:
		v.Allow = false
		v.Action = VerdictRateLimit
		v.RetryAfterSeconds = retrySeconds(retry)
	case assessment.Suspicious:
		v.Action = VerdictChallenge
	}
	return v
}

func (e *Engine) applyBan(ban BanRecord) {
	if err := e.bans.Ban(ban); err != nil {
		e.logger.Error().Err(err).Str("identity", string(ban.Identity)).Msg("store ban")
		return
	}
	e.metrics.IncrementCounter(MetricBans, map[string]string{"kind": ban.Kind})
	e.logger.Warn().
		Str("identity", string(ban.Identity)).
		Str("kind", ban.Kind).
		Str("reason", ban.Reason).
		Time("until", ban.Until).
		Msg("identity banned")
}

func (e *Engine) observe(ev *Evaluation, v Verdict) {
	e.metrics.IncrementCounter(MetricRequests, map[string]string{"action": string(v.Action)})
	for _, reason := range v.Reasons {
		e.metrics.IncrementCounter(MetricFindings, map[string]string{"reason": reason})
	}
	e.metrics.ObserveHistogram(MetricScore, float64(v.Score), nil)

	if v.Action != VerdictAllow {
		e.ledger.Record(DetectionEvent{
			Identity: ev.Identity,
			Method:   ev.Request.Method,
			Path:     ev.Request.Path,
			Action:   v.Action,
			Reasons:  v.Reasons,
			Score:    v.Score,
			Recorded: ev.Now,
		})
	}

	e.logger.Debug().
		Str("identity", string(ev.Identity)).
		Str("method", ev.Request.Method).
		Str("path", ev.Request.Path).
		Str("class", string(ev.Action)).
		Str("action", string(v.Action)).
		Int("score", v.Score).
		Strs("reasons", v.Reasons).
		Msg("request classified")
}

// Sweep reclaims expired state in every component.
func (e *Engine) Sweep() {
	now := e.now()
	profiles := e.profiler.Sweep(now)
	windows := e.limits.Sweep(now)
	bans := e.bans.Sweep(now)
	scores := e.aggregator.Sweep(now)
	events := e.ledger.Cleanup(now)
	e.logger.Debug().
		Int("profiles", profiles).
		Int("limiters", windows).
		Int("bans", bans).
		Int("scores", scores).
		Int("events", events).
		Msg("sweep finished")
}

// Tick advances the threat state machine.
func (e *Engine) Tick() ThreatTransition {
	tr := e.threat.Tick()
	e.metrics.SetGauge(MetricProtectionLevel, float64(tr.To), nil)
	if tr.Changed() {
		e.logger.Info().
			Int("from", tr.From).
			Int("to", tr.To).
			Str("protection", protectionLevel(tr.To)).
			Int64("total", tr.Tally.Total).
			Int64("blocked", tr.Tally.Blocked).
			Int64("suspicious", tr.Tally.Suspicious).
			Msg("threat level changed")
	}
	return tr
}

// Start schedules the sweep and the threat tick. It is a no-op after the
// first call.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		if err = e.scheduler.Every(e.cfg.SweepInterval, e.Sweep); err != nil {
			return
		}
		if err = e.scheduler.Every(e.cfg.TickInterval, func() { e.Tick() }); err != nil {
			return
		}
		e.scheduler.Start()
		e.running.Store(true)
	})
	return err
}

// Stop cancels the scheduled jobs and waits for running ones until ctx is
// done.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	return e.scheduler.Stop(ctx)
}

// Close stops the scheduler and releases the scan cache.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Stop(ctx)
	e.scanner.Close()
	return err
}

// SetCatalog swaps the signature catalog for subsequent requests.
func (e *Engine) SetCatalog(c *Catalog) {
	if c == nil {
		return
	}
	e.catalog.Store(c)
	e.scanner.SetCatalog(c)
	spec := c.Spec()
	e.logger.Info().
		Int("bots", len(spec.BotUserAgents)).
		Int("automation", len(spec.AutomationTools)).
		Int("payload", len(spec.Payload)).
		Msg("signature catalog replaced")
}

func (e *Engine) Catalog() *Catalog             { return e.catalog.Load() }
func (e *Engine) Threat() *ThreatState          { return e.threat }
func (e *Engine) Ledger() *DetectionLedger      { return e.ledger }
func (e *Engine) Bans() BanStore                { return e.bans }
func (e *Engine) Profiler() *BehaviorProfiler   { return e.profiler }
func (e *Engine) Limits() *LimiterSet           { return e.limits }
func (e *Engine) Aggregator() *ThreatAggregator { return e.aggregator }
func (e *Engine) Classifiers() []string         { return e.registry.Names() }
func (e *Engine) Logger() *log.Logger           { return e.logger }

// Status is an operator view of the engine.
type Status struct {
	Level         int              `json:"level"`
	Protection    string           `json:"protection"`
	Tally         Tally            `json:"tally"`
	AdjustedLimit Limit            `json:"adjustedLimit"`
	ActiveBans    []BanRecord      `json:"activeBans"`
	Profiles      int              `json:"profiles"`
	Classifiers   []string         `json:"classifiers"`
	Detections    DetectionSummary `json:"detections"`
}

func (e *Engine) Status() Status {
	now := e.now()
	bans := e.bans.ActiveBans(now)
	slices.SortFunc(bans, func(a, b BanRecord) int { return b.Until.Compare(a.Until) })
	return Status{
		Level:         e.threat.Level(),
		Protection:    e.threat.ProtectionLevel(),
		Tally:         e.threat.Tally(),
		AdjustedLimit: e.threat.AdjustedLimits(),
		ActiveBans:    bans,
		Profiles:      e.profiler.Len(),
		Classifiers:   e.registry.Names(),
		Detections:    e.ledger.Summary(now),
	}
}
