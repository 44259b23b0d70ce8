package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"collabhub/internal/database"
	"collabhub/internal/hub"
	"collabhub/internal/locks"
	"collabhub/internal/presence"
	"collabhub/internal/router"
	"collabhub/internal/session"
	"collabhub/internal/signals"
	"collabhub/internal/viewers"
	"collabhub/internal/websocket"
	dbconfig "collabhub/pkg/database"
	"collabhub/pkg/types"
)

// Stack is a hub wired to a real sqlite audit log behind an httptest server
type Stack struct {
	Audit  *database.Manager
	Hub    *hub.Hub
	Locks  *locks.Coordinator
	WSURL  string
	server *httptest.Server
}

// InitializeTestAuditLog opens a migrated audit database in a temp dir
func InitializeTestAuditLog(t *testing.T) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "audit.db")

	manager, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create audit log: %v", err)
	}
	t.Cleanup(func() {
		if err := manager.Close(); err != nil {
			t.Logf("Failed to close audit log: %v", err)
		}
	})
	return manager
}

func NewStack(t *testing.T, lease time.Duration) *Stack {
	t.Helper()
	audit := InitializeTestAuditLog(t)

	coordinator, err := locks.NewCoordinator(lease)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	registry := websocket.NewRegistry()
	r, err := router.NewRouter(registry, router.Components{
		Presence: presence.NewTracker(),
		Locks:    coordinator,
		Viewers:  viewers.NewRegistry(),
		Signals:  signals.NewRelay(5*time.Second, 1000),
	}, audit, 0)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	h := hub.NewHub(registry, r, 256, 20*time.Millisecond)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	resolver, err := session.NewResolver(session.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}
	handler := websocket.NewHandler(resolver, h, websocket.DefaultHandlerConfig())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	return &Stack{
		Audit:  audit,
		Hub:    h,
		Locks:  coordinator,
		WSURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
		server: server,
	}
}

// Dial connects userID and waits for the presence snapshot
func (s *Stack) Dial(t *testing.T, userID string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(s.WSURL+"?user_id="+userID, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	Expect(t, conn, types.MessageTypePresenceUpdate)
	return conn
}

func Send(t *testing.T, conn *gws.Conn, msgType, requestID string, payload interface{}) {
	t.Helper()
	env, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	env.RequestID = requestID
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("send %s: %v", msgType, err)
	}
}

func Expect(t *testing.T, conn *gws.Conn, msgType string) *types.Envelope {
	t.Helper()
	return ExpectReply(t, conn, msgType, "")
}

// ExpectReply skips frames until one of msgType arrives; a non-empty requestID must match too
func ExpectReply(t *testing.T, conn *gws.Conn, msgType, requestID string) *types.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType && (requestID == "" || env.RequestID == requestID) {
			return &env
		}
	}
}

// WaitForAudit polls the audit log until every wanted event type was written for userID
func (s *Stack) WaitForAudit(t *testing.T, userID string, wanted ...string) []*types.AuditEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := s.Audit.RecentEvents(context.Background(), 1000)
		if err != nil {
			t.Fatalf("RecentEvents: %v", err)
		}
		seen := map[string]bool{}
		for _, e := range events {
			if e.UserID == userID {
				seen[e.Type] = true
			}
		}
		missing := []string{}
		for _, w := range wanted {
			if !seen[w] {
				missing = append(missing, w)
			}
		}
		if len(missing) == 0 {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit events for %s never written: %v", userID, missing)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
