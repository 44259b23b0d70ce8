package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collabhub/internal/locks"
	"collabhub/internal/presence"
	"collabhub/internal/router"
	"collabhub/internal/signals"
	"collabhub/internal/viewers"
	"collabhub/pkg/types"
)

type mockAudit struct {
	events    []*types.AuditEvent
	healthErr error
	lastLimit int
}

func (m *mockAudit) RecordEvent(ctx context.Context, e *types.AuditEvent) error {
	m.events = append(m.events, e)
	return nil
}
func (m *mockAudit) RecordEventAsync(e *types.AuditEvent) { m.events = append(m.events, e) }
func (m *mockAudit) RecentEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	m.lastLimit = limit
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return m.events[:limit], nil
}
func (m *mockAudit) HealthCheck(ctx context.Context) error { return m.healthErr }
func (m *mockAudit) Close() error                         { return nil }

type mockStats map[string]int

func (m mockStats) GetStats() map[string]int { return m }

// mockController releases directly on the coordinator
type mockController struct {
	coordinator *locks.Coordinator
	err         error
	calls       int
}

func (m *mockController) ForceUnlock(ctx context.Context, key types.DocumentKey) (*types.DocumentLock, bool, error) {
	m.calls++
	if m.err != nil {
		return nil, false, m.err
	}
	lock := m.coordinator.ForceRelease(key)
	return lock, lock != nil, nil
}

type testServer struct {
	server     *Server
	components router.Components
	audit      *mockAudit
	controller *mockController
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	coordinator, err := locks.NewCoordinator(time.Minute)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	components := router.Components{
		Presence: presence.NewTracker(),
		Locks:    coordinator,
		Viewers:  viewers.NewRegistry(),
		Signals:  signals.NewRelay(time.Second, 100),
	}
	audit := &mockAudit{}
	controller := &mockController{coordinator: coordinator}
	return &testServer{
		server:     NewServer(components, audit, mockStats{"total_connections": 2}, controller),
		components: components,
		audit:      audit,
		controller: controller,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.server.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return w
}

var caseStudy = types.DocumentKey{Type: "case_study", ID: "42"}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	var resp HealthResponse
	w := ts.do(t, http.MethodGet, "/health", &resp)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if resp.Status != "healthy" || resp.Database != "healthy" {
		t.Errorf("unexpected health: %+v", resp)
	}
	if resp.Connections["total_connections"] != 2 {
		t.Errorf("Expected connection stats to be forwarded, got %v", resp.Connections)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	ts.audit.healthErr = errors.New("disk gone")
	w = ts.do(t, http.MethodGet, "/health", &resp)
	if w.Code != http.StatusServiceUnavailable || resp.Status != "unhealthy" {
		t.Errorf("Expected 503 unhealthy, got %d %q", w.Code, resp.Status)
	}
}

func TestServer_HealthWithoutAudit(t *testing.T) {
	ts := newTestServer(t)
	server := NewServer(ts.components, nil, nil, ts.controller)

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || resp.Database != "disabled" {
		t.Errorf("Expected healthy with disabled database, got %d %+v", w.Code, resp)
	}

	w = httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for events without audit log, got %d", w.Code)
	}
}

func TestServer_Presence(t *testing.T) {
	ts := newTestServer(t)
	ts.components.Presence.Join(types.Identity{UserID: "alice", DisplayName: "Alice"})
	ts.components.Presence.Join(types.Identity{UserID: "bob", DisplayName: "Bob"})

	var resp PresenceResponse
	ts.do(t, http.MethodGet, "/api/presence", &resp)
	if resp.Count != 2 || len(resp.Users) != 2 {
		t.Fatalf("Expected 2 users, got %+v", resp)
	}
}

func TestServer_LockStatus(t *testing.T) {
	ts := newTestServer(t)

	var status LockStatusResponse
	ts.do(t, http.MethodGet, "/api/locks/case_study/42", &status)
	if status.Locked || status.Lock != nil {
		t.Fatalf("Expected unlocked document, got %+v", status)
	}

	ts.components.Locks.RequestLock(caseStudy, types.Identity{UserID: "alice", DisplayName: "Alice"})

	ts.do(t, http.MethodGet, "/api/locks/case_study/42", &status)
	if !status.Locked || status.Lock.HolderUserID != "alice" {
		t.Fatalf("Expected lock held by alice, got %+v", status)
	}

	var list LocksResponse
	ts.do(t, http.MethodGet, "/api/locks", &list)
	if len(list.Locks) != 1 || list.Locks[0].DocumentKey != caseStudy {
		t.Errorf("Expected one listed lock, got %+v", list.Locks)
	}
}

func TestServer_InvalidDocumentKey(t *testing.T) {
	ts := newTestServer(t)

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	w := ts.do(t, http.MethodGet, "/api/locks/case_study/"+string(long), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestServer_ForceUnlock(t *testing.T) {
	ts := newTestServer(t)
	ts.components.Locks.RequestLock(caseStudy, types.Identity{UserID: "alice", DisplayName: "Alice"})

	var resp ForceUnlockResponse
	w := ts.do(t, http.MethodDelete, "/api/locks/case_study/42", &resp)
	if w.Code != http.StatusOK || !resp.Released || resp.Lock.HolderUserID != "alice" {
		t.Fatalf("Expected release of alice's lock, got %d %+v", w.Code, resp)
	}

	// Idempotent
	ts.do(t, http.MethodDelete, "/api/locks/case_study/42", &resp)
	if resp.Released {
		t.Error("Second force unlock should report nothing released")
	}

	ts.controller.err = errors.New("hub stopped")
	w = ts.do(t, http.MethodDelete, "/api/locks/case_study/42", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the hub is unavailable, got %d", w.Code)
	}
}

func TestServer_Viewers(t *testing.T) {
	ts := newTestServer(t)
	ts.components.Viewers.StartViewing(caseStudy, types.Viewer{UserID: "bob", DisplayName: "Bob"})

	var resp ViewersResponse
	ts.do(t, http.MethodGet, "/api/viewers/case_study/42", &resp)
	if len(resp.Viewers) != 1 || resp.Viewers[0].UserID != "bob" {
		t.Fatalf("Expected bob viewing, got %+v", resp)
	}

	ts.do(t, http.MethodGet, "/api/viewers/case_study/7", &resp)
	if resp.Viewers == nil || len(resp.Viewers) != 0 {
		t.Errorf("Expected empty viewer list, got %#v", resp.Viewers)
	}
}

func TestServer_Events(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.audit.events = append(ts.audit.events, types.NewAuditEvent(types.AuditLockGranted, "alice", &caseStudy, ""))
	}

	var resp EventsResponse
	ts.do(t, http.MethodGet, "/api/events?limit=2", &resp)
	if len(resp.Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(resp.Events))
	}

	ts.do(t, http.MethodGet, "/api/events?limit=100000", &resp)
	if ts.audit.lastLimit != maxEventsLimit {
		t.Errorf("Expected limit clamped to %d, got %d", maxEventsLimit, ts.audit.lastLimit)
	}

	w := ts.do(t, http.MethodGet, "/api/events?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodOptions, "/api/locks/case_study/42", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/locks", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}
