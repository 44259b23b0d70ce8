package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabhub/internal/locks"
	"collabhub/internal/presence"
	"collabhub/internal/signals"
	"collabhub/internal/viewers"
	"collabhub/internal/websocket"
	"collabhub/pkg/types"
)

var testUpgrader = gws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

var caseStudy42 = types.DocumentKey{Type: "case_study", ID: "42"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryAudit struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (m *memoryAudit) RecordEventAsync(event *types.AuditEvent) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

func (m *memoryAudit) RecordEvent(ctx context.Context, event *types.AuditEvent) error {
	m.RecordEventAsync(event)
	return nil
}

func (m *memoryAudit) RecentEvents(ctx context.Context, limit int) ([]*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.AuditEvent(nil), m.events...), nil
}

func (m *memoryAudit) HealthCheck(ctx context.Context) error { return nil }
func (m *memoryAudit) Close() error                          { return nil }

func (m *memoryAudit) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	router   *Router
	registry *websocket.Registry
	locks    *locks.Coordinator
	audit    *memoryAudit
	clock    *fakeClock
}

func newFixture(t *testing.T, messagesPerMinute int) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	coordinator, err := locks.NewCoordinator(time.Hour)
	require.NoError(t, err)
	coordinator.SetClock(clock.Now)

	relay := signals.NewRelay(10*time.Second, 500)
	relay.SetClock(clock.Now)

	registry := websocket.NewRegistry()
	audit := &memoryAudit{}
	r, err := NewRouter(registry, Components{
		Presence: presence.NewTracker(),
		Locks:    coordinator,
		Viewers:  viewers.NewRegistry(),
		Signals:  relay,
	}, audit, messagesPerMinute)
	require.NoError(t, err)

	return &fixture{router: r, registry: registry, locks: coordinator, audit: audit, clock: clock}
}

// peer is one admitted session: conn is the server side, client reads what the server sent.
type peer struct {
	conn   *websocket.Connection
	client *gws.Conn
}

func (f *fixture) join(t *testing.T, userID, name string) *peer {
	t.Helper()
	serverSide := make(chan *gws.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- c
	}))
	t.Cleanup(server.Close)

	client, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn := websocket.NewConnection(<-serverSide, 64, time.Second)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, f.router.HandleJoin(conn, types.Identity{UserID: userID, DisplayName: name}))
	p := &peer{conn: conn, client: client}
	p.expect(t, types.MessageTypePresenceUpdate) // snapshot
	return p
}

// expect reads frames until one of msgType arrives.
func (p *peer) expect(t *testing.T, msgType string) *types.Envelope {
	t.Helper()
	require.NoError(t, p.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env types.Envelope
		if err := p.client.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return &env
		}
	}
}

func envelope(t *testing.T, msgType, requestID string, payload interface{}) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	env.RequestID = requestID
	return env
}

func decode[T any](t *testing.T, env *types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

func TestNewRouter_RequiresComponents(t *testing.T) {
	_, err := NewRouter(websocket.NewRegistry(), Components{}, nil, 10)
	assert.ErrorIs(t, err, ErrMissingComponent)
}

func TestRouter_JoinSnapshotAndDelta(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	_ = f.locks.RequestLock(caseStudy42, types.Identity{UserID: "alice", DisplayName: "Alice"})
	bob := f.join(t, "bob", "Bob")

	joined := decode[types.PresencePayload](t, alice.expect(t, types.MessageTypePresenceUpdate))
	assert.Equal(t, types.PresenceUserJoined, joined.Event)
	require.NotNil(t, joined.User)
	assert.Equal(t, "bob", joined.User.UserID)
	assert.Equal(t, types.ActivityIdle, joined.User.CurrentActivity)

	// Bob's resync includes alice's lock.
	lock := decode[types.LockResponse](t, bob.expect(t, types.MessageTypeLockRequest))
	assert.True(t, lock.Granted)
	assert.Equal(t, "alice", lock.Lock.HolderUserID)

	assert.Contains(t, f.audit.recorded(), types.AuditUserJoined)
}

func TestRouter_LockContentionAndDisconnectRelease(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "req-1", types.DocumentRequest{DocumentKey: caseStudy42})))

	reply := alice.expect(t, types.MessageTypeLockRequest)
	assert.Equal(t, "req-1", reply.RequestID)
	granted := decode[types.LockResponse](t, reply)
	assert.True(t, granted.Granted)

	announced := decode[types.LockResponse](t, bob.expect(t, types.MessageTypeLockRequest))
	assert.True(t, announced.Granted)
	assert.Equal(t, "alice", announced.Lock.HolderUserID)

	require.NoError(t, f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeLockRequest, "req-2", types.DocumentRequest{DocumentKey: caseStudy42})))
	denied := decode[types.LockResponse](t, bob.expect(t, types.MessageTypeLockRequest))
	assert.False(t, denied.Granted)
	assert.Equal(t, "alice", denied.HolderUserID)
	assert.Equal(t, "Alice", denied.HolderName)

	warning := decode[types.ConflictWarning](t, alice.expect(t, types.MessageTypeConflictWarning))
	assert.Equal(t, "bob", warning.RequestedByUserID)

	f.router.HandleLeave(alice.conn)

	left := decode[types.PresencePayload](t, bob.expect(t, types.MessageTypePresenceUpdate))
	assert.Equal(t, types.PresenceUserLeft, left.Event)
	assert.Equal(t, "alice", left.UserID)

	unlock := decode[types.UnlockPayload](t, bob.expect(t, types.MessageTypeUnlock))
	assert.Equal(t, caseStudy42, unlock.DocumentKey)
	assert.Equal(t, types.UnlockDisconnect, unlock.Reason)

	require.NoError(t, f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeLockRequest, "req-3", types.DocumentRequest{DocumentKey: caseStudy42})))
	assert.True(t, decode[types.LockResponse](t, bob.expect(t, types.MessageTypeLockRequest)).Granted)
}

func TestRouter_UnlockByNonHolderRejected(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: caseStudy42})))

	err := f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeUnlock, "", types.DocumentRequest{DocumentKey: caseStudy42}))
	assert.Equal(t, types.CodeNotHolder, types.CodeOf(err))

	lock, ok := f.locks.Get(caseStudy42)
	require.True(t, ok)
	assert.Equal(t, "alice", lock.HolderUserID)

	// Unlocking an unlocked document is a silent no-op.
	other := types.DocumentKey{Type: "event", ID: "1"}
	assert.NoError(t, f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeUnlock, "", types.DocumentRequest{DocumentKey: other})))
}

func TestRouter_IdleUnlockReleasesAllAndResetsActivity(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	second := types.DocumentKey{Type: "event", ID: "7"}
	for _, key := range []types.DocumentKey{caseStudy42, second} {
		require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: key})))
	}
	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypePresenceUpdate, "", types.ActivityRequest{Activity: types.ActivityEditingCaseStudy})))

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeIdleUnlock, "", nil)))

	reasons := map[string]string{}
	for i := 0; i < 2; i++ {
		p := decode[types.UnlockPayload](t, bob.expect(t, types.MessageTypeUnlock))
		reasons[p.DocumentKey.String()] = p.Reason
	}
	assert.Equal(t, map[string]string{"case_study:42": types.UnlockIdle, "event:7": types.UnlockIdle}, reasons)
	assert.Empty(t, f.locks.HeldBy("alice"))

	// activity_changed to editing, then back to idle
	var last types.PresencePayload
	for last.Activity != types.ActivityIdle {
		last = decode[types.PresencePayload](t, bob.expect(t, types.MessageTypePresenceUpdate))
	}
	assert.Equal(t, types.PresenceActivityChanged, last.Event)
}

func TestRouter_InvalidActivityRejected(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	err := f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypePresenceUpdate, "", types.ActivityRequest{Activity: "juggling"}))
	assert.Equal(t, types.CodeInvalidActivity, types.CodeOf(err))

	user, ok := f.router.components.Presence.Get("alice")
	require.True(t, ok)
	assert.Equal(t, types.ActivityIdle, user.CurrentActivity)
}

func TestRouter_ViewersConverge(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeStartViewing, "", types.DocumentRequest{DocumentKey: caseStudy42})))
	require.NoError(t, f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeStartViewing, "", types.DocumentRequest{DocumentKey: caseStudy42})))

	var seen types.ViewersPayload
	for len(seen.Viewers) < 2 {
		seen = decode[types.ViewersPayload](t, alice.expect(t, types.MessageTypeViewersUpdated))
	}
	assert.Equal(t, []types.Viewer{{UserID: "alice", DisplayName: "Alice"}, {UserID: "bob", DisplayName: "Bob"}}, seen.Viewers)

	// Repeating start_viewing is not a change; only the sender gets the list back.
	require.NoError(t, f.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeStartViewing, "again", types.DocumentRequest{DocumentKey: caseStudy42})))
	var echo *types.Envelope
	for echo == nil || echo.RequestID != "again" {
		echo = bob.expect(t, types.MessageTypeViewersUpdated)
	}
	assert.Len(t, decode[types.ViewersPayload](t, echo).Viewers, 2)

	f.router.HandleLeave(bob.conn)
	for len(seen.Viewers) != 1 {
		seen = decode[types.ViewersPayload](t, alice.expect(t, types.MessageTypeViewersUpdated))
	}
	assert.Equal(t, "alice", seen.Viewers[0].UserID)
}

func TestRouter_ChatBroadcastAndDirect(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")
	carol := f.join(t, "carol", "Carol")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeChat, "", types.ChatRequest{Text: "  hello all "})))
	for _, p := range []*peer{alice, bob, carol} {
		msg := decode[types.ChatMessage](t, p.expect(t, types.MessageTypeChat))
		assert.Equal(t, "hello all", msg.Text)
		assert.Equal(t, "alice", msg.FromUserID)
		assert.NotEmpty(t, msg.ID)
	}

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeChat, "dm-1", types.ChatRequest{Text: "psst", ToUserID: "bob"})))
	dm := decode[types.ChatMessage](t, bob.expect(t, types.MessageTypeChat))
	assert.Equal(t, "bob", dm.ToUserID)
	echo := alice.expect(t, types.MessageTypeChat)
	assert.Equal(t, "dm-1", echo.RequestID)

	// Offline recipient: still echoed, no error.
	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeChat, "", types.ChatRequest{Text: "hi", ToUserID: "dave"})))
	alice.expect(t, types.MessageTypeChat)

	err := f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeChat, "", types.ChatRequest{Text: "   "}))
	assert.Equal(t, types.CodeInvalidChat, types.CodeOf(err))
}

func TestRouter_TypingIndicators(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeTypingStart, "", nil)))
	start := decode[types.TypingPayload](t, bob.expect(t, types.MessageTypeTypingStart))
	assert.Equal(t, "alice", start.UserID)

	f.clock.Advance(11 * time.Second)
	f.router.Sweep()
	stop := decode[types.TypingPayload](t, bob.expect(t, types.MessageTypeTypingStop))
	assert.Equal(t, "alice", stop.UserID)
	assert.Empty(t, f.router.components.Signals.Typing())
}

func TestRouter_SweepAnnouncesExpiredLocks(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: caseStudy42})))

	f.clock.Advance(2 * time.Hour)
	f.router.Sweep()

	unlock := decode[types.UnlockPayload](t, bob.expect(t, types.MessageTypeUnlock))
	assert.Equal(t, types.UnlockExpired, unlock.Reason)
	assert.Equal(t, "alice", unlock.UserID)
	assert.Contains(t, f.audit.recorded(), types.AuditLockExpired)
}

func TestRouter_PingRefreshesLeases(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: caseStudy42})))
	before, _ := f.locks.Get(caseStudy42)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypePing, "hb-1", nil)))
	pong := alice.expect(t, types.MessageTypePong)
	assert.Equal(t, "hb-1", pong.RequestID)

	after, ok := f.locks.Get(caseStudy42)
	require.True(t, ok)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.Equal(t, before.LockedAt, after.LockedAt)
}

func TestRouter_RejectsUnknownTypeAndRateLimits(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	err := f.router.RouteMessage(alice.conn, envelope(t, "launch_missiles", "", nil))
	assert.Equal(t, types.CodeUnknownType, types.CodeOf(err))
	assert.ErrorIs(t, err, types.ErrInvalidMessageType)

	// Server-to-client types are not accepted from clients either.
	err = f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeViewersUpdated, "", nil))
	assert.Equal(t, types.CodeUnknownType, types.CodeOf(err))

	limited := newFixture(t, 2)
	bob := limited.join(t, "bob", "Bob")
	for i := 0; i < 2; i++ {
		require.NoError(t, limited.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeTypingStop, "", nil)))
	}
	err = limited.router.RouteMessage(bob.conn, envelope(t, types.MessageTypeTypingStop, "", nil))
	assert.Equal(t, types.CodeRateLimited, types.CodeOf(err))

	assert.NoError(t, limited.router.RouteMessage(bob.conn, envelope(t, types.MessageTypePing, "", nil)))
}

func TestRouter_UnknownTypesSpendRateBudget(t *testing.T) {
	f := newFixture(t, 2)
	alice := f.join(t, "alice", "Alice")

	codes := map[string]int{}
	for i := 0; i < 50; i++ {
		err := f.router.RouteMessage(alice.conn, envelope(t, "bogus", "", nil))
		codes[types.CodeOf(err)]++
	}
	assert.Equal(t, 2, codes[types.CodeUnknownType])
	assert.Equal(t, 48, codes[types.CodeRateLimited])
}

func TestRouter_ReconnectKeepsLocksAndIgnoresStaleLeave(t *testing.T) {
	f := newFixture(t, 0)
	first := f.join(t, "alice", "Alice")
	bob := f.join(t, "bob", "Bob")

	require.NoError(t, f.router.RouteMessage(first.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: caseStudy42})))

	second := f.join(t, "alice", "Alice")
	f.router.HandleLeave(first.conn)

	lock, ok := f.locks.Get(caseStudy42)
	require.True(t, ok, "stale leave must not release the reconnected user's lock")
	assert.Equal(t, "alice", lock.HolderUserID)
	assert.Equal(t, 2, f.router.components.Presence.Count())

	err := f.router.RouteMessage(first.conn, envelope(t, types.MessageTypePing, "", nil))
	assert.True(t, errors.Is(err, ErrSenderNotConnected))

	require.NoError(t, f.router.RouteMessage(second.conn, envelope(t, types.MessageTypeUnlock, "", types.DocumentRequest{DocumentKey: caseStudy42})))
	unlock := decode[types.UnlockPayload](t, bob.expect(t, types.MessageTypeUnlock))
	assert.Equal(t, types.UnlockReleased, unlock.Reason)
}

func TestRouter_ForceUnlock(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	_, ok := f.router.ForceUnlock(caseStudy42)
	assert.False(t, ok)

	require.NoError(t, f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: caseStudy42})))
	lock, ok := f.router.ForceUnlock(caseStudy42)
	require.True(t, ok)
	assert.Equal(t, "alice", lock.HolderUserID)

	unlock := decode[types.UnlockPayload](t, alice.expect(t, types.MessageTypeUnlock))
	assert.Equal(t, types.UnlockForced, unlock.Reason)
}

func TestRouter_InvalidDocumentKey(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice", "Alice")

	err := f.router.RouteMessage(alice.conn, envelope(t, types.MessageTypeLockRequest, "", types.DocumentRequest{DocumentKey: types.DocumentKey{Type: "case study", ID: "1"}}))
	assert.Equal(t, types.CodeInvalidDocument, types.CodeOf(err))

	err = f.router.RouteMessage(alice.conn, &types.Envelope{Type: types.MessageTypeLockRequest})
	assert.Equal(t, types.CodeInvalidMessage, types.CodeOf(err))
}
