package reqguard

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTPMiddleware guards a net/http handler. It enforces verdicts with the
// same generic responses as FiberMiddleware.
func HTTPMiddleware(engine *Engine, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := engine.Evaluate(DescriptorFromHTTP(r, defaultMaxBodyBytes))
		switch {
		case v.Action == VerdictRateLimit:
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.Itoa(max(v.RetryAfterSeconds, 1)))
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests")
		case !v.Allow:
			if v.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(v.RetryAfterSeconds))
			}
			writeJSONError(w, http.StatusForbidden, "Forbidden")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// DescriptorFromHTTP builds a descriptor from r. Up to maxBody bytes of the
// body are read for scanning and replayed to the next handler.
func DescriptorFromHTTP(r *http.Request, maxBody int) *RequestDescriptor {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		headers[k] = strings.Join(vs, ", ")
	}
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	req := &RequestDescriptor{
		Method:        r.Method,
		Path:          r.URL.Path,
		Headers:       headers,
		Query:         query,
		ContentLength: max(r.ContentLength, 0),
		Connection:    ConnectionInfo{RemoteAddress: r.RemoteAddr},
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	if r.Body == nil || r.Body == http.NoBody {
		return req
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBody)+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) == 0 || len(buf) > maxBody {
		return req
	}
	if req.ContentLength == 0 {
		req.ContentLength = int64(len(buf))
	}
	var m map[string]any
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json") &&
		json.Unmarshal(buf, &m) == nil && m != nil {
		req.Body = m
	} else {
		req.Body = map[string]any{"raw": string(buf)}
	}
	return req
}
