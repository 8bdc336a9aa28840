package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/config"
	"github.com/quillgate/quillgate/model"
)

// newBareRouter builds a router with no runtime wiring, enough to exercise
// routing and the middleware pipeline.
func newBareRouter(auth func(http.Handler) http.Handler) http.Handler {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	return NewRouter(Dependencies{
		Config:       cfg,
		Logger:       zap.NewNop(),
		Authenticate: auth,
	})
}

func TestRouter_healthBypassesAuth(t *testing.T) {
	denyAll := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("no token"))
		})
	}
	router := newBareRouter(denyAll)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without credentials", path, w.Code)
		}
	}
}

func TestRouter_authenticatedRoutesRejected(t *testing.T) {
	denyAll := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewUnauthorizedError("no token"))
		})
	}
	router := newBareRouter(denyAll)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/requests"},
		{http.MethodGet, "/v1/requests/req-1"},
		{http.MethodPost, "/v1/requests/req-1/resubmit"},
		{http.MethodGet, "/v1/reviews/pending"},
		{http.MethodPost, "/v1/reviews/inst-1/decision"},
		{http.MethodPost, "/v1/billing/grants"},
		{http.MethodGet, "/v1/accounts/owner-1/balance"},
	}
	for _, rt := range routes {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}

func TestRouter_securityHeaders(t *testing.T) {
	router := newBareRouter(nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, val := range want {
		if got := w.Header().Get(header); got != val {
			t.Errorf("%s = %q, want %q", header, got, val)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); !strings.Contains(hsts, "max-age=") {
		t.Errorf("Strict-Transport-Security = %q", hsts)
	}
}

func TestRouter_correlationID(t *testing.T) {
	router := newBareRouter(nil)

	t.Run("echoes caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Correlation-Id", "corr-from-caller")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("X-Correlation-Id"); got != "corr-from-caller" {
			t.Errorf("X-Correlation-Id = %q, want caller value", got)
		}
	})

	t.Run("generates one when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if w.Header().Get("X-Correlation-Id") == "" {
			t.Error("X-Correlation-Id should be generated")
		}
	})
}

func TestRouter_corsPreflight(t *testing.T) {
	router := newBareRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/requests", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-Idempotency-Key") {
		t.Error("Allow-Headers should include X-Idempotency-Key")
	}
}

func TestRouter_corsUnknownOrigin(t *testing.T) {
	router := newBareRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty for unknown origin", got)
	}
}

func TestRouter_recoveryFromPanic(t *testing.T) {
	panicAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	}
	router := newBareRouter(panicAuth)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/reviews/pending", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
	ee := decodeErrorBody(t, w)
	if ee.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", ee.Code)
	}
}

func TestRouter_unknownRoute(t *testing.T) {
	router := newBareRouter(nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
