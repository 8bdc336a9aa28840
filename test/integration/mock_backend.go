package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mockGenerationBackend is a stand-in for the content generation service.
// It answers POST /v1/generate and can be programmed to fail a number of
// times before succeeding, or to reject requests outright.
type mockGenerationBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	calls        int
	failures     int // remaining transient failures (503)
	rejectStatus int // non-zero: respond with this status forever
}

func newMockGenerationBackend(t *testing.T) *mockGenerationBackend {
	t.Helper()
	mb := &mockGenerationBackend{t: t}
	mb.srv = httptest.NewServer(http.HandlerFunc(mb.handle))
	t.Cleanup(mb.srv.Close)
	return mb
}

func (mb *mockGenerationBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/generate" {
		http.NotFound(w, r)
		return
	}

	var input struct {
		RequestID string         `json:"request_id"`
		Category  string         `json:"category"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	mb.mu.Lock()
	mb.calls++
	if mb.rejectStatus != 0 {
		status := mb.rejectStatus
		mb.mu.Unlock()
		http.Error(w, "content policy rejection", status)
		return
	}
	if mb.failures > 0 {
		mb.failures--
		mb.mu.Unlock()
		http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
		return
	}
	mb.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"content": "generated draft for " + input.RequestID,
		"meta":    map[string]any{"category": input.Category},
	})
}

func (mb *mockGenerationBackend) URL() string { return mb.srv.URL }

// FailTimes makes the next n generation calls answer 503.
func (mb *mockGenerationBackend) FailTimes(n int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.failures = n
}

// RejectWith makes every generation call answer the given status.
func (mb *mockGenerationBackend) RejectWith(status int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.rejectStatus = status
}

// Calls returns how many generation requests arrived.
func (mb *mockGenerationBackend) Calls() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.calls
}

// deliveredNotification is one notification accepted by the mock service.
type deliveredNotification struct {
	Recipients []string       `json:"recipients"`
	Template   string         `json:"template"`
	Data       map[string]any `json:"data"`
}

// mockNotificationService records notifications posted to /v1/notifications.
type mockNotificationService struct {
	srv *httptest.Server

	mu        sync.Mutex
	delivered []deliveredNotification
}

func newMockNotificationService(t *testing.T) *mockNotificationService {
	t.Helper()
	ns := &mockNotificationService{}
	ns.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/notifications" {
			http.NotFound(w, r)
			return
		}
		var n deliveredNotification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		ns.mu.Lock()
		ns.delivered = append(ns.delivered, n)
		ns.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(ns.srv.Close)
	return ns
}

func (ns *mockNotificationService) URL() string { return ns.srv.URL }

// Templates returns the template keys of all delivered notifications, in
// delivery order.
func (ns *mockNotificationService) Templates() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	out := make([]string, len(ns.delivered))
	for i, n := range ns.delivered {
		out[i] = n.Template
	}
	return out
}

// Delivered returns a copy of all recorded notifications.
func (ns *mockNotificationService) Delivered() []deliveredNotification {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return append([]deliveredNotification(nil), ns.delivered...)
}
