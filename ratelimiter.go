package reqguard

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// Limit is a request count allowed per window.
type Limit struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// RateDecision is the outcome of a limiter check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type fixedWindow struct {
	start  time.Time
	window time.Duration
	count  int
}

// FixedWindowLimiter counts requests per key in windows that reset lazily
// on the first access after they elapse.
type FixedWindowLimiter struct {
	windows *xsync.Map[string, fixedWindow]
}

func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{windows: xsync.NewMap[string, fixedWindow]()}
}

// Allow counts one request for key against limit. Denied requests are not
// counted.
func (l *FixedWindowLimiter) Allow(key string, limit Limit, now time.Time) RateDecision {
	var dec RateDecision
	l.windows.Compute(key, func(w fixedWindow, loaded bool) (fixedWindow, xsync.ComputeOp) {
		if !loaded || now.Sub(w.start) >= limit.Window {
			w = fixedWindow{start: now}
		}
		w.window = limit.Window
		if w.count >= limit.Requests {
			dec.RetryAfter = w.start.Add(limit.Window).Sub(now)
			if dec.RetryAfter <= 0 {
				dec.RetryAfter = time.Millisecond
			}
			return w, xsync.UpdateOp
		}
		w.count++
		dec.Allowed = true
		dec.Remaining = limit.Requests - w.count
		return w, xsync.UpdateOp
	})
	return dec
}

// Sweep drops windows that have fully elapsed.
// Refund returns one request to key's current window.
func (l *FixedWindowLimiter) Refund(key string, now time.Time) {
	l.windows.Compute(key, func(w fixedWindow, loaded bool) (fixedWindow, xsync.ComputeOp) {
		if !loaded || w.count == 0 || now.Sub(w.start) >= w.window {
			return w, xsync.CancelOp
		}
		w.count--
		return w, xsync.UpdateOp
	})
}

func (l *FixedWindowLimiter) Sweep(now time.Time) int {
	removed := 0
	l.windows.Range(func(key string, w fixedWindow) bool {
		if now.Sub(w.start) >= w.window {
			l.windows.Compute(key, func(cur fixedWindow, loaded bool) (fixedWindow, xsync.ComputeOp) {
				if loaded && now.Sub(cur.start) >= cur.window {
					removed++
					return cur, xsync.DeleteOp
				}
				return cur, xsync.CancelOp
			})
		}
		return true
	})
	return removed
}

func (l *FixedWindowLimiter) Len() int { return l.windows.Size() }

type bucket struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// TokenBucketLimiter shapes throughput per key. Buckets start full and refill
// continuously; refill is computed on access.
type TokenBucketLimiter struct {
	capacity int
	refill   float64
	buckets  *xsync.Map[string, *bucket]
}

// NewTokenBucketLimiter creates buckets holding capacity tokens, refilled at
// refillPerSecond.
func NewTokenBucketLimiter(capacity int, refillPerSecond float64) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		capacity: capacity,
		refill:   refillPerSecond,
		buckets:  xsync.NewMap[string, *bucket](),
	}
}

// Consume takes cost tokens from key's bucket.
func (l *TokenBucketLimiter) Consume(key string, cost int, now time.Time) RateDecision {
	if cost < 1 {
		cost = 1
	}
	b, _ := l.buckets.LoadOrCompute(key, func() (*bucket, bool) {
		return &bucket{limiter: rate.NewLimiter(rate.Limit(l.refill), l.capacity)}, false
	})
	b.lastUsed.Store(now.UnixNano())

	// A cost above capacity can never be paid, so there is nothing to retry.
	if cost > l.capacity {
		return RateDecision{}
	}
	if b.limiter.AllowN(now, cost) {
		return RateDecision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}
	}
	missing := float64(cost) - b.limiter.TokensAt(now)
	return RateDecision{RetryAfter: l.fillTime(missing)}
}

func (l *TokenBucketLimiter) fillTime(tokens float64) time.Duration {
	if l.refill <= 0 {
		return time.Hour
	}
	d := time.Duration(tokens / l.refill * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Sweep drops buckets unused for longer than idle.
func (l *TokenBucketLimiter) Sweep(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle).UnixNano()
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		if b.lastUsed.Load() < cutoff {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (l *TokenBucketLimiter) Len() int { return l.buckets.Size() }

// DefaultLimits returns the per action class limits.
func DefaultLimits() map[ActionClass]Limit {
	return map[ActionClass]Limit{
		ActionAPI:      {Requests: 100, Window: time.Minute},
		ActionLogin:    {Requests: 5, Window: 15 * time.Minute},
		ActionRegister: {Requests: 3, Window: time.Hour},
		ActionMessage:  {Requests: 30, Window: time.Minute},
		ActionUpload:   {Requests: 10, Window: time.Minute},
		ActionAdmin:    {Requests: 50, Window: time.Minute},
	}
}

// ClassifyAction maps a request to its action class. An explicit
// ActionClass on the descriptor wins over route matching.
func ClassifyAction(req *RequestDescriptor) ActionClass {
	if req == nil {
		return ActionAPI
	}
	if req.ActionClass != "" {
		return req.ActionClass
	}
	path := strings.ToLower(req.Path)
	switch {
	case strings.Contains(path, "login") || strings.Contains(path, "signin"):
		return ActionLogin
	case strings.Contains(path, "register") || strings.Contains(path, "signup"):
		return ActionRegister
	case strings.HasPrefix(path, "/admin") || strings.Contains(path, "/admin/"):
		return ActionAdmin
	case strings.Contains(path, "upload"):
		return ActionUpload
	case strings.Contains(path, "message") && !strings.EqualFold(req.Method, "GET"):
		return ActionMessage
	}
	return ActionAPI
}

// LimitOutcome reports which limiter, if any, rejected a request.
type LimitOutcome struct {
	Allowed    bool
	Class      ActionClass
	Limit      Limit
	Bandwidth  bool
	RetryAfter time.Duration

	// Oversize is set when the body exceeds the bandwidth capacity. It is
	// rejected outright and carries no RetryAfter.
	Oversize bool

	// Escalate is set when a credential class window was exceeded.
	Escalate bool
}

// LimiterSet applies the per class windows and the bandwidth bucket. Window
// limits pass through the threat state before every check so sustained
// attacks tighten them.
type LimiterSet struct {
	limits    map[ActionClass]Limit
	windows   *FixedWindowLimiter
	bandwidth *TokenBucketLimiter
	threat    *ThreatState
}

// NewLimiterSet builds the limiters. threat may be nil.
func NewLimiterSet(limits map[ActionClass]Limit, bandwidth BandwidthConfig, threat *ThreatState) *LimiterSet {
	merged := DefaultLimits()
	for class, l := range limits {
		merged[class] = l
	}
	return &LimiterSet{
		limits:    merged,
		windows:   NewFixedWindowLimiter(),
		bandwidth: NewTokenBucketLimiter(bandwidth.Capacity, bandwidth.RefillPerSecond),
		threat:    threat,
	}
}

// Limit returns the effective limit for class after threat adjustment.
func (s *LimiterSet) Limit(class ActionClass) Limit {
	l, ok := s.limits[class]
	if !ok {
		l = s.limits[ActionAPI]
	}
	if s.threat != nil {
		l = s.threat.AdjustLimit(l)
	}
	return l
}

// Check applies the class window, then the bandwidth bucket.
func (s *LimiterSet) Check(identity ClientIdentity, class ActionClass, contentLength int64, now time.Time) LimitOutcome {
	limit := s.Limit(class)
	out := LimitOutcome{Class: class, Limit: limit}

	cost := max(contentLength, 1)
	if cost > int64(s.bandwidth.capacity) {
		out.Bandwidth = true
		out.Oversize = true
		return out
	}

	key := string(identity) + "|" + string(class)
	dec := s.windows.Allow(key, limit, now)
	if !dec.Allowed {
		out.RetryAfter = dec.RetryAfter
		out.Escalate = class.IsCredential()
		return out
	}
	bw := s.bandwidth.Consume(string(identity), int(cost), now)
	if !bw.Allowed {
		s.windows.Refund(key, now)
		out.Bandwidth = true
		out.RetryAfter = bw.RetryAfter
		return out
	}
	out.Allowed = true
	return out
}

// Sweep reclaims elapsed windows and idle buckets.
func (s *LimiterSet) Sweep(now time.Time) int {
	return s.windows.Sweep(now) + s.bandwidth.Sweep(now, time.Hour)
}
