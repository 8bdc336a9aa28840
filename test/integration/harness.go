// Package integration provides a reusable test harness for end-to-end
// testing of the Quillgate approval engine. It starts a full HTTP server
// with mock generation and notification backends, in-memory stores, and a
// test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/internal/config"
	"github.com/quillgate/quillgate/internal/idempotency"
	"github.com/quillgate/quillgate/internal/ledger"
	"github.com/quillgate/quillgate/internal/provider"
	"github.com/quillgate/quillgate/internal/resume"
	"github.com/quillgate/quillgate/internal/step"
	"github.com/quillgate/quillgate/internal/transport"
	"github.com/quillgate/quillgate/internal/workflow"
	"github.com/quillgate/quillgate/model"
)

// TestHarness encapsulates a fully wired engine instance with mock
// backends for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Generation    *mockGenerationBackend
	Notifications *mockNotificationService
	Ledger        ledger.Ledger
	Runtime       *workflow.Runtime
	AuditLog      *audit.MemStore
	Tokens        *resume.MemTokenStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	reviewers      []string
	maxAttempts    int
	denyPolicy     bool
	handlerTimeout time.Duration
}

// WithReviewers sets the review notification recipients.
func WithReviewers(reviewers ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.reviewers = reviewers
	}
}

// WithMaxAttempts sets the default per-step retry budget.
func WithMaxAttempts(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxAttempts = n
	}
}

// WithDenyPolicy disables the trial allowance: out-of-balance deductions
// are refused.
func WithDenyPolicy() HarnessOption {
	return func(c *harnessConfig) {
		c.denyPolicy = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full engine test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		reviewers:      []string{"reviewer-pool"},
		maxAttempts:    3,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// External collaborators.
	h.Generation = newMockGenerationBackend(t)
	h.Notifications = newMockNotificationService(t)
	h.issuer = newTokenIssuer(t)

	// In-memory persistence.
	h.AuditLog = audit.NewMemStore()
	var policy ledger.EligibilityPolicy = ledger.TrialPolicy{}
	if hc.denyPolicy {
		policy = ledger.DenyPolicy{}
	}
	h.Ledger = ledger.NewMemStore(policy, h.AuditLog)
	h.Tokens = resume.NewMemTokenStore()
	wfStore := workflow.NewMemStore(h.AuditLog)
	attempts := step.NewMemAttemptStore()

	// Step execution with fast backoff so retry tests finish quickly.
	breakers := step.NewBreakerRegistry(10, 1, time.Minute)
	executor := step.NewExecutor(attempts, breakers, zap.NewNop())

	generator := provider.NewHTTPGenerator(h.Generation.URL(), 5*time.Second)
	notifier := provider.NewHTTPNotifier(h.Notifications.URL(), 5*time.Second)

	h.Runtime = workflow.NewRuntime(
		wfStore, executor, h.Ledger, generator, notifier,
		h.Tokens, h.AuditLog, nil, zap.NewNop(),
		workflow.Config{
			Reviewers: hc.reviewers,
			DefaultPolicy: step.Policy{
				MaxAttempts:       hc.maxAttempts,
				AttemptTimeout:    5 * time.Second,
				BackoffInitial:    time.Millisecond,
				BackoffMultiplier: 1,
				BackoffMax:        time.Millisecond,
			},
			StaleAfter: time.Hour,
		},
	)
	dispatcher := resume.NewDispatcher(h.Tokens, h.Runtime, wfStore, h.AuditLog, zap.NewNop())

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}
	h.cfg.Idempotency.Store.DefaultTTL = time.Minute

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, zap.NewNop())

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       zap.NewNop(),
		Runtime:      h.Runtime,
		Dispatcher:   dispatcher,
		Ledger:       h.Ledger,
		Idempotency:  idempotency.NewMemStore(),
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GrantCredits creates a ledger account with the given balance.
func (h *TestHarness) GrantCredits(t *testing.T, ownerID string, balance int64) {
	t.Helper()
	err := h.Ledger.CreateAccount(context.Background(), model.LedgerAccount{
		OwnerID: ownerID,
		Balance: balance,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Engine-level helpers ---

// SubmitResponse mirrors the submission payload returned by the engine.
type SubmitResponse struct {
	Request  model.Request  `json:"request"`
	Instance model.Instance `json:"instance"`
}

// Submit posts a new request and fails the test unless it is accepted.
func (h *TestHarness) Submit(t *testing.T, token, category string) SubmitResponse {
	t.Helper()
	resp := h.POST("/v1/requests", map[string]any{
		"category": category,
		"payload":  map[string]any{"topic": "integration"},
	}, token)

	var out SubmitResponse
	h.AssertJSON(t, resp, http.StatusAccepted, &out)
	return out
}

// WaitForRequestState polls the status endpoint until the request reaches
// the wanted lifecycle state. Step execution after submission runs in the
// background.
func (h *TestHarness) WaitForRequestState(t *testing.T, token, requestID, want string) model.RequestStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last model.RequestStatus
	for time.Now().Before(deadline) {
		resp := h.GET("/v1/requests/"+requestID, token)
		if resp.StatusCode == http.StatusOK {
			h.ParseJSON(resp, &last)
			if last.Request.Status == want {
				return last
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %q, last status %q", requestID, want, last.Request.Status)
	return last
}

// PendingToken returns the resume token for a suspended instance from the
// reviewer inbox.
func (h *TestHarness) PendingToken(t *testing.T, token, instanceID string) string {
	t.Helper()
	resp := h.GET("/v1/reviews/pending", token)

	var out struct {
		Data []model.PendingReview `json:"data"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &out)
	for _, pr := range out.Data {
		if pr.Instance.ID == instanceID {
			return pr.ResumeToken
		}
	}
	t.Fatalf("instance %s not in reviewer inbox", instanceID)
	return ""
}

// --- Default test claims ---

// OwnerClaims returns TestClaims for a request owner.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		Email:     "owner@acme.example.com",
		Roles:     []string{"author"},
	}
}

// ReviewerClaims returns TestClaims for a reviewer.
func ReviewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-reviewer",
		Email:     "reviewer@acme.example.com",
		Roles:     []string{"reviewer"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
