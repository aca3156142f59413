package reqguard

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v3"
)

const verdictLocalsKey = "reqguard.verdict"

// Responder writes the client response for a verdict. Returning nil without
// calling c.Next stops the chain.
type Responder func(c fiber.Ctx, v Verdict) error

// ResponderRegistry maps verdict actions to responders.
type ResponderRegistry struct {
	mu         sync.RWMutex
	responders map[VerdictAction]Responder
}

// NewResponderRegistry returns a registry with the generic block and rate
// limit responses. Challenges pass through unless a responder is registered.
func NewResponderRegistry() *ResponderRegistry {
	r := &ResponderRegistry{responders: make(map[VerdictAction]Responder)}
	r.Register(VerdictBlock, blockResponder)
	r.Register(VerdictRateLimit, rateLimitResponder)
	return r
}

func (r *ResponderRegistry) Register(action VerdictAction, h Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[action] = h
}

func (r *ResponderRegistry) Get(action VerdictAction) (Responder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.responders[action]
	return h, ok
}

// Response bodies never carry verdict reasons.
func blockResponder(c fiber.Ctx, v Verdict) error {
	if v.RetryAfterSeconds > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(v.RetryAfterSeconds))
	}
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "Forbidden",
	})
}

func rateLimitResponder(c fiber.Ctx, v Verdict) error {
	c.Set("X-RateLimit-Remaining", "0")
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(v.RetryAfterSeconds, 1)))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": "Too many requests",
	})
}

// FiberConfig configures FiberMiddleware.
type FiberConfig struct {
	// Next skips the middleware when it returns true.
	Next func(c fiber.Ctx) bool

	// Responders defaults to NewResponderRegistry().
	Responders *ResponderRegistry

	// MaxBodyBytes bounds the body that is parsed for scanning. Larger
	// bodies are only counted against the bandwidth budget.
	MaxBodyBytes int

	// ActionClass overrides route based classification.
	ActionClass func(c fiber.Ctx) ActionClass
}

const defaultMaxBodyBytes = 64 << 10

// FiberMiddleware evaluates every request with engine and enforces the
// verdict. Allowed requests carry the verdict in c.Locals, see VerdictFrom.
func FiberMiddleware(engine *Engine, config ...FiberConfig) fiber.Handler {
	var cfg FiberConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Responders == nil {
		cfg.Responders = NewResponderRegistry()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	return func(c fiber.Ctx) error {
		if cfg.Next != nil && cfg.Next(c) {
			return c.Next()
		}
		req := DescriptorFromFiber(c, cfg.MaxBodyBytes)
		if cfg.ActionClass != nil {
			req.ActionClass = cfg.ActionClass(c)
		}
		v := engine.Evaluate(req)
		c.Locals(verdictLocalsKey, v)

		if h, ok := cfg.Responders.Get(v.Action); ok && h != nil {
			return h(c, v)
		}
		if !v.Allow {
			return blockResponder(c, v)
		}
		return c.Next()
	}
}

// VerdictFrom returns the verdict stored by FiberMiddleware.
func VerdictFrom(c fiber.Ctx) (Verdict, bool) {
	v, ok := c.Locals(verdictLocalsKey).(Verdict)
	return v, ok
}

// DescriptorFromFiber copies the request out of c. Values are cloned since
// fiber reuses its buffers once the handler returns.
func DescriptorFromFiber(c fiber.Ctx, maxBody int) *RequestDescriptor {
	headers := make(map[string]string)
	for k, vs := range c.GetReqHeaders() {
		headers[strings.Clone(k)] = strings.Clone(strings.Join(vs, ", "))
	}
	query := make(map[string]string)
	for k, v := range c.Queries() {
		query[strings.Clone(k)] = strings.Clone(v)
	}
	var params map[string]string
	if route := c.Route(); route != nil && len(route.Params) > 0 {
		params = make(map[string]string, len(route.Params))
		for _, name := range route.Params {
			params[name] = strings.Clone(c.Params(name))
		}
	}

	body := c.Body()
	req := &RequestDescriptor{
		Method:        strings.Clone(c.Method()),
		Path:          strings.Clone(c.Path()),
		Headers:       headers,
		Query:         query,
		Params:        params,
		ContentLength: int64(len(body)),
		Connection:    ConnectionInfo{RemoteAddress: c.RequestCtx().RemoteAddr().String()},
	}
	if len(body) > 0 && len(body) <= maxBody {
		req.Body = parseFiberBody(c, body)
	}
	return req
}

func parseFiberBody(c fiber.Ctx, body []byte) map[string]any {
	ctype := strings.ToLower(c.Get(fiber.HeaderContentType))
	switch {
	case strings.HasPrefix(ctype, fiber.MIMEApplicationJSON):
		var m map[string]any
		if err := c.App().Config().JSONDecoder(body, &m); err == nil && m != nil {
			return m
		}
	case strings.HasPrefix(ctype, fiber.MIMEApplicationForm):
		m := make(map[string]any)
		c.RequestCtx().PostArgs().VisitAll(func(k, v []byte) {
			m[string(k)] = string(v)
		})
		return m
	}
	return map[string]any{"raw": string(body)}
}
