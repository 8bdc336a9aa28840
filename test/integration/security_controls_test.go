package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestSecurity_missingTokenRejected(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/reviews/pending", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_expiredTokenRejected(t *testing.T) {
	h := NewTestHarness(t)
	expired := h.GenerateExpiredToken(OwnerClaims())

	resp := h.GET("/v1/reviews/pending", expired)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_tamperedTokenRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OwnerClaims())

	// Corrupt the signature segment.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d segments", len(parts))
	}
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	resp := h.GET("/v1/reviews/pending", tampered)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_foreignIssuerRejected(t *testing.T) {
	h := NewTestHarness(t)

	// A token signed by a different issuer's key, unknown to our JWKS.
	foreign := newTokenIssuer(t)
	token := foreign.GenerateToken(OwnerClaims())

	resp := h.GET("/v1/reviews/pending", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_healthEndpointsArePublic(t *testing.T) {
	h := NewTestHarness(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := h.GET(path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without credentials", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSecurity_responsesCarrySecurityHeaders(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OwnerClaims())

	resp := h.GET("/v1/reviews/pending", token)
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id missing from response")
	}
}

func TestSecurity_actorComesFromTokenNotBody(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	h.GrantCredits(t, "user-owner", 5)

	// The owner on the created request is the token subject; a spoofed
	// owner in the payload is ignored.
	resp := h.POST("/v1/requests", map[string]any{
		"category": "blog_post",
		"payload":  map[string]any{"owner_id": "someone-else"},
	}, owner)

	var out SubmitResponse
	h.AssertJSON(t, resp, http.StatusAccepted, &out)
	if out.Request.OwnerID != "user-owner" {
		t.Errorf("owner = %q, want token subject user-owner", out.Request.OwnerID)
	}
}
