package reqguard

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFiberApp(t *testing.T, e *Engine, config ...FiberConfig) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(FiberMiddleware(e, config...))
	handler := func(c fiber.Ctx) error {
		v, ok := VerdictFrom(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		c.Set("X-Test-Action", string(v.Action))
		c.Set("X-Test-Reasons", strings.Join(v.Reasons, ","))
		return c.SendString("ok")
	}
	app.Get("/*", handler)
	app.Post("/*", handler)
	return app
}

func fiberRequest(method, target, ip string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Language", "en")
	return req
}

func TestFiberMiddlewareAllows(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	app := newFiberApp(t, e)

	resp, err := app.Test(fiberRequest(http.MethodGet, "/products?page=2", "5.6.7.8", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(VerdictAllow), resp.Header.Get("X-Test-Action"))
	assert.Empty(t, resp.Header.Get("X-Test-Reasons"))
}

func TestFiberMiddlewareBlocksGenerically(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	app := newFiberApp(t, e)

	req := fiberRequest(http.MethodGet, "/", "4.4.4.4", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 HeadlessChrome/120.0")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "86400", resp.Header.Get("Retry-After"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"Forbidden"}`, string(body))
	assert.NotContains(t, string(body), ReasonAutomationTool)
}

func TestFiberMiddlewareRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[ActionAPI] = Limit{Requests: 1, Window: time.Minute}
	e, _ := newTestEngine(t, cfg)
	app := newFiberApp(t, e)

	resp, err := app.Test(fiberRequest(http.MethodGet, "/feed", "3.3.3.3", nil))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(fiberRequest(http.MethodGet, "/feed", "3.3.3.3", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestFiberMiddlewareScansJSONBody(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	app := newFiberApp(t, e)

	req := fiberRequest(http.MethodPost, "/comments", "6.6.6.6", strings.NewReader(`{"text":"<script>alert(1)</script>"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("X-Test-Reasons"), ReasonPayloadPrefix+string(CategoryScript))
}

func TestFiberMiddlewareCustomResponder(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	responders := NewResponderRegistry()
	responders.Register(VerdictBlock, func(c fiber.Ctx, _ Verdict) error {
		return c.Status(fiber.StatusTeapot).SendString("no")
	})
	app := newFiberApp(t, e, FiberConfig{
		Responders: responders,
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/healthz"
		},
	})

	req := fiberRequest(http.MethodGet, "/", "4.4.4.4", nil)
	req.Header.Set("User-Agent", "selenium")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = app.Test(fiberRequest(http.MethodGet, "/healthz", "4.4.4.4", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPMiddleware(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	var seen string
	h := HTTPMiddleware(e, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := fiberRequest(http.MethodPost, "/notes", "5.6.7.8", strings.NewReader(`{"note":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, `{"note":"hello"}`, seen)

	req = fiberRequest(http.MethodGet, "/", "4.4.4.4", nil)
	req.Header.Set("User-Agent", "puppeteer")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "86400", rec.Header().Get("Retry-After"))
}

func TestDescriptorFromHTTP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/upload?name=a&name=b", strings.NewReader("plain text"))
	req.RemoteAddr = "203.0.113.7:4000"
	d := DescriptorFromHTTP(req, 4)

	assert.Equal(t, "/upload", d.Path)
	assert.Equal(t, "a", d.Query["name"])
	assert.Equal(t, "203.0.113.7:4000", d.Connection.RemoteAddress)
	assert.Equal(t, int64(10), d.ContentLength)
	assert.Nil(t, d.Body)

	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(rest))
}
