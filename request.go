package reqguard

import (
	"strings"
	"time"
)

// ClientIdentity is a best-effort correlation key for the origin of a
// request. It is not a verified principal.
type ClientIdentity string

// UnknownIdentity is used when no origin information is available.
const UnknownIdentity ClientIdentity = "unknown"

// ActionClass groups requests that share a rate limit.
type ActionClass string

const (
	ActionAPI      ActionClass = "api"
	ActionLogin    ActionClass = "login"
	ActionRegister ActionClass = "register"
	ActionMessage  ActionClass = "message"
	ActionUpload   ActionClass = "upload"
	ActionAdmin    ActionClass = "admin"
)

// IsCredential reports whether exceeding the class limit escalates to a ban.
func (a ActionClass) IsCredential() bool {
	return a == ActionLogin || a == ActionRegister
}

// ConnectionInfo carries transport-level details of the request.
type ConnectionInfo struct {
	RemoteAddress string
}

// RequestDescriptor is the generic request shape the pipeline consumes.
// Building it from a concrete HTTP request is the caller's job.
type RequestDescriptor struct {
	Method        string
	Path          string
	Headers       map[string]string
	Query         map[string]string
	Body          map[string]any
	Params        map[string]string
	ContentLength int64
	Connection    ConnectionInfo

	// ActionClass overrides route based classification when set.
	ActionClass ActionClass
}

// Header returns the header value for name, matching case-insensitively.
func (r *RequestDescriptor) Header(name string) string {
	if r == nil || len(r.Headers) == 0 {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	lower := strings.ToLower(name)
	if v, ok := r.Headers[lower]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// HasHeader reports whether the header is present with a non-empty value.
func (r *RequestDescriptor) HasHeader(name string) bool {
	return strings.TrimSpace(r.Header(name)) != ""
}

// VerdictAction tells the enforcer what to do with the request.
type VerdictAction string

const (
	VerdictAllow     VerdictAction = "allow"
	VerdictChallenge VerdictAction = "challenge"
	VerdictRateLimit VerdictAction = "rate_limit"
	VerdictBlock     VerdictAction = "block"
)

// Verdict is the pipeline's only output. Reasons are meant for operators
// and must not be echoed to the client.
type Verdict struct {
	Allow             bool           `json:"allow"`
	Action            VerdictAction  `json:"action"`
	Reasons           []string       `json:"reasons,omitempty"`
	RetryAfterSeconds int            `json:"retryAfterSeconds,omitempty"`
	Banned            bool           `json:"banned,omitempty"`
	Score             int            `json:"score,omitempty"`
	Identity          ClientIdentity `json:"identity"`
}

// RetryAfter returns the retry hint as a duration.
func (v Verdict) RetryAfter() time.Duration {
	return time.Duration(v.RetryAfterSeconds) * time.Second
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
