package router

import (
	"errors"
	"fmt"
	"log"
	"time"

	"collabhub/internal/locks"
	"collabhub/internal/presence"
	"collabhub/internal/signals"
	"collabhub/internal/viewers"
	"collabhub/internal/websocket"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// Components bundles the in-memory coordinators the router drives.
type Components struct {
	Presence *presence.Tracker
	Locks    *locks.Coordinator
	Viewers  *viewers.Registry
	Signals  *signals.Relay
}

func (c Components) validate() error {
	if c.Presence == nil || c.Locks == nil || c.Viewers == nil || c.Signals == nil {
		return ErrMissingComponent
	}
	return nil
}

// Router applies client intents to the coordinators and fans out the results
// ARCHITECTURAL DISCOVERY: Pure routing logic without connection handling; all
// delivery goes through the registry so slow peers are evicted in one place
type Router struct {
	registry    *websocket.Registry
	components  Components
	audit       interfaces.AuditLog
	rateLimiter *RateLimiter
}

// NewRouter wires the router. audit may be nil.
func NewRouter(registry *websocket.Registry, components Components, audit interfaces.AuditLog, messagesPerMinute int) (*Router, error) {
	if registry == nil {
		return nil, websocket.ErrNilConnection
	}
	if err := components.validate(); err != nil {
		return nil, err
	}
	return &Router{
		registry:    registry,
		components:  components,
		audit:       audit,
		rateLimiter: NewRateLimiter(messagesPerMinute, time.Minute),
	}, nil
}

// HandleJoin admits conn and brings everyone up to date.
// The joining session receives a full snapshot; everyone else a user_joined delta.
func (r *Router) HandleJoin(conn *websocket.Connection, identity types.Identity) error {
	previous, err := r.registry.Admit(conn, identity)
	if err != nil {
		return fmt.Errorf("admit %s: %w", identity.UserID, err)
	}

	user, replaced := r.components.Presence.Join(identity)
	r.sendSnapshot(conn)

	// FUNCTIONAL DISCOVERY: A reconnect replaces the session in place; peers see a
	// fresh user_joined so their copy of the activity resets with the server's
	r.broadcast(types.MessageTypePresenceUpdate, types.PresencePayload{
		Event: types.PresenceUserJoined,
		User:  &user,
	}, identity.UserID)

	detail := ""
	if previous != nil || replaced {
		detail = "replaced previous session"
	}
	r.record(types.NewAuditEvent(types.AuditUserJoined, identity.UserID, nil, detail))
	log.Printf("User %s joined (%d online)", identity.UserID, r.components.Presence.Count())
	return nil
}

// sendSnapshot replays the full collaboration state to one session.
func (r *Router) sendSnapshot(conn *websocket.Connection) {
	r.send(conn, "", types.MessageTypePresenceUpdate, types.PresencePayload{
		Event: types.PresenceSnapshot,
		Users: r.components.Presence.Snapshot(),
	})
	for _, lock := range r.components.Locks.List() {
		r.send(conn, "", types.MessageTypeLockRequest, types.LockResponse{
			DocumentKey: lock.DocumentKey,
			Granted:     true,
			Lock:        lock,
		})
	}
	for _, set := range r.components.Viewers.Snapshot() {
		r.send(conn, "", types.MessageTypeViewersUpdated, set)
	}
	for _, typing := range r.components.Signals.Typing() {
		if typing.UserID == conn.GetUserID() {
			continue
		}
		r.send(conn, "", types.MessageTypeTypingStart, typing)
	}
}

// HandleLeave runs the disconnect cascade for conn if it is still the user's
// current session. Presence goes first, then locks, viewers and typing.
func (r *Router) HandleLeave(conn *websocket.Connection) {
	if !r.registry.Remove(conn) {
		return
	}

	userID := conn.GetUserID()
	r.rateLimiter.Forget(userID)

	if r.components.Presence.Leave(userID) {
		r.broadcast(types.MessageTypePresenceUpdate, types.PresencePayload{
			Event:  types.PresenceUserLeft,
			UserID: userID,
		}, "")
	}

	for _, lock := range r.components.Locks.ReleaseAll(userID) {
		r.announceUnlock(lock, types.UnlockDisconnect, types.AuditLockDisconnected)
	}

	for key, list := range r.components.Viewers.RemoveUser(userID) {
		r.broadcast(types.MessageTypeViewersUpdated, types.ViewersPayload{DocumentKey: key, Viewers: list}, "")
	}

	if typing, ok := r.components.Signals.StopTyping(userID); ok {
		r.broadcast(types.MessageTypeTypingStop, typing, "")
	}

	r.record(types.NewAuditEvent(types.AuditUserLeft, userID, nil, ""))
	log.Printf("User %s left (%d online)", userID, r.components.Presence.Count())
}

// RouteMessage validates and applies one inbound envelope.
// Returned errors are meant for the sender only; they never affect other sessions.
func (r *Router) RouteMessage(conn *websocket.Connection, envelope *types.Envelope) error {
	if !r.registry.IsCurrent(conn) {
		return ErrSenderNotConnected
	}
	// TECHNICAL DISCOVERY: Heartbeats are exempt so a busy user is never timed out;
	// every other frame, recognised or not, spends budget
	if envelope.Type != types.MessageTypePing && !r.rateLimiter.Allow(conn.GetUserID()) {
		return types.NewProtocolError(types.CodeRateLimited, ErrRateLimitExceeded)
	}
	if !types.IsClientMessageType(envelope.Type) {
		return types.NewProtocolError(types.CodeUnknownType, fmt.Errorf("%w: %q", types.ErrInvalidMessageType, envelope.Type))
	}

	switch envelope.Type {
	case types.MessageTypePresenceUpdate:
		return r.handleActivity(conn, envelope)
	case types.MessageTypeLockRequest:
		return r.handleLockRequest(conn, envelope)
	case types.MessageTypeUnlock:
		return r.handleUnlock(conn, envelope)
	case types.MessageTypeIdleUnlock:
		return r.handleIdleUnlock(conn)
	case types.MessageTypeStartViewing:
		return r.handleStartViewing(conn, envelope)
	case types.MessageTypeStopViewing:
		return r.handleStopViewing(conn, envelope)
	case types.MessageTypeChat:
		return r.handleChat(conn, envelope)
	case types.MessageTypeTypingStart:
		return r.handleTypingStart(conn)
	case types.MessageTypeTypingStop:
		return r.handleTypingStop(conn)
	case types.MessageTypePing:
		return r.handlePing(conn, envelope)
	}
	return types.NewProtocolError(types.CodeUnknownType, types.ErrInvalidMessageType)
}

func (r *Router) handleActivity(conn *websocket.Connection, envelope *types.Envelope) error {
	var req types.ActivityRequest
	if err := envelope.Decode(&req); err != nil {
		return types.NewProtocolError(types.CodeInvalidMessage, err)
	}
	return r.setActivity(conn.GetUserID(), req.Activity)
}

func (r *Router) setActivity(userID string, activity types.Activity) error {
	user, err := r.components.Presence.SetActivity(userID, activity)
	if err != nil {
		if errors.Is(err, types.ErrInvalidActivity) {
			return types.NewProtocolError(types.CodeInvalidActivity, err)
		}
		return err
	}
	// The sender is included so an optimistic local update is confirmed.
	r.broadcast(types.MessageTypePresenceUpdate, types.PresencePayload{
		Event:    types.PresenceActivityChanged,
		UserID:   user.UserID,
		Activity: user.CurrentActivity,
	}, "")
	return nil
}

func (r *Router) decodeDocument(envelope *types.Envelope) (types.DocumentKey, error) {
	var req types.DocumentRequest
	if err := envelope.Decode(&req); err != nil {
		return types.DocumentKey{}, types.NewProtocolError(types.CodeInvalidMessage, err)
	}
	if err := req.DocumentKey.Validate(); err != nil {
		return types.DocumentKey{}, types.NewProtocolError(types.CodeInvalidDocument, err)
	}
	return req.DocumentKey, nil
}

func (r *Router) handleLockRequest(conn *websocket.Connection, envelope *types.Envelope) error {
	key, err := r.decodeDocument(envelope)
	if err != nil {
		return err
	}

	identity := conn.Identity()
	result := r.components.Locks.RequestLock(key, identity)

	if result.Expired != nil {
		r.announceUnlock(result.Expired, types.UnlockExpired, types.AuditLockExpired)
	}

	response := types.LockResponse{DocumentKey: key, Granted: result.Granted, Lock: result.Lock}
	if !result.Granted {
		response.HolderUserID = result.Lock.HolderUserID
		response.HolderName = result.Lock.HolderName
	}
	r.send(conn, envelope.RequestID, types.MessageTypeLockRequest, response)

	if result.Granted {
		r.broadcast(types.MessageTypeLockRequest, types.LockResponse{
			DocumentKey: key,
			Granted:     true,
			Lock:        result.Lock,
		}, identity.UserID)
		if !result.Refreshed {
			r.record(types.NewAuditEvent(types.AuditLockGranted, identity.UserID, &key, ""))
		}
		return nil
	}

	// FUNCTIONAL DISCOVERY: The holder learns someone is waiting on the document
	if holder, ok := r.registry.GetUserConnection(result.Lock.HolderUserID); ok {
		r.send(holder, "", types.MessageTypeConflictWarning, types.ConflictWarning{
			DocumentKey:       key,
			RequestedByUserID: identity.UserID,
			RequestedByName:   identity.DisplayName,
		})
	}
	return nil
}

func (r *Router) handleUnlock(conn *websocket.Connection, envelope *types.Envelope) error {
	key, err := r.decodeDocument(envelope)
	if err != nil {
		return err
	}

	released, err := r.components.Locks.ReleaseLock(key, conn.GetUserID())
	if err != nil {
		if errors.Is(err, locks.ErrNotHolder) {
			return types.NewProtocolError(types.CodeNotHolder, err)
		}
		return err
	}
	if released != nil {
		r.announceUnlock(released, types.UnlockReleased, types.AuditLockReleased)
	}
	return nil
}

// handleIdleUnlock drops every lock the sender holds and marks them idle.
func (r *Router) handleIdleUnlock(conn *websocket.Connection) error {
	userID := conn.GetUserID()
	for _, held := range r.components.Locks.HeldBy(userID) {
		if lock := r.components.Locks.ForceRelease(held.DocumentKey); lock != nil {
			r.announceUnlock(lock, types.UnlockIdle, types.AuditLockIdleReleased)
		}
	}

	if user, ok := r.components.Presence.Get(userID); ok && user.CurrentActivity != types.ActivityIdle {
		return r.setActivity(userID, types.ActivityIdle)
	}
	return nil
}

func (r *Router) handleStartViewing(conn *websocket.Connection, envelope *types.Envelope) error {
	key, err := r.decodeDocument(envelope)
	if err != nil {
		return err
	}

	viewer := types.Viewer{UserID: conn.GetUserID(), DisplayName: conn.GetDisplayName()}
	list, changed := r.components.Viewers.StartViewing(key, viewer)
	r.publishViewers(conn, envelope.RequestID, key, list, changed)
	return nil
}

func (r *Router) handleStopViewing(conn *websocket.Connection, envelope *types.Envelope) error {
	key, err := r.decodeDocument(envelope)
	if err != nil {
		return err
	}

	list, changed := r.components.Viewers.StopViewing(key, conn.GetUserID())
	r.publishViewers(conn, envelope.RequestID, key, list, changed)
	return nil
}

// publishViewers broadcasts a changed set, or answers only the sender when nothing changed.
func (r *Router) publishViewers(conn *websocket.Connection, requestID string, key types.DocumentKey, list []types.Viewer, changed bool) {
	payload := types.ViewersPayload{DocumentKey: key, Viewers: list}
	if changed {
		r.broadcast(types.MessageTypeViewersUpdated, payload, "")
		return
	}
	r.send(conn, requestID, types.MessageTypeViewersUpdated, payload)
}

func (r *Router) handleChat(conn *websocket.Connection, envelope *types.Envelope) error {
	var req types.ChatRequest
	if err := envelope.Decode(&req); err != nil {
		return types.NewProtocolError(types.CodeInvalidMessage, err)
	}

	identity := conn.Identity()
	message, err := r.components.Signals.NewChat(identity, req)
	if err != nil {
		return types.NewProtocolError(types.CodeInvalidChat, err)
	}

	// Sending a message ends the sender's typing indicator.
	if typing, ok := r.components.Signals.StopTyping(identity.UserID); ok {
		r.broadcast(types.MessageTypeTypingStop, typing, identity.UserID)
	}

	if message.ToUserID == "" {
		r.broadcast(types.MessageTypeChat, message, "")
		return nil
	}

	// FUNCTIONAL DISCOVERY: Direct messages are fire-and-forget; an offline
	// recipient simply misses it and the sender still gets the echo
	if message.ToUserID != identity.UserID {
		r.sendToUser(message.ToUserID, types.MessageTypeChat, message)
	}
	r.send(conn, envelope.RequestID, types.MessageTypeChat, message)
	return nil
}

func (r *Router) handleTypingStart(conn *websocket.Connection) error {
	identity := conn.Identity()
	if r.components.Signals.StartTyping(identity) {
		r.broadcast(types.MessageTypeTypingStart, types.TypingPayload{
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
		}, identity.UserID)
	}
	return nil
}

func (r *Router) handleTypingStop(conn *websocket.Connection) error {
	if typing, ok := r.components.Signals.StopTyping(conn.GetUserID()); ok {
		r.broadcast(types.MessageTypeTypingStop, typing, conn.GetUserID())
	}
	return nil
}

// handlePing answers a heartbeat and extends the sender's leases.
func (r *Router) handlePing(conn *websocket.Connection, envelope *types.Envelope) error {
	r.components.Locks.Refresh(conn.GetUserID())
	r.send(conn, envelope.RequestID, types.MessageTypePong, nil)
	return nil
}

// Sweep expires stale leases and typing indicators. Called periodically by the hub.
func (r *Router) Sweep() {
	for _, lock := range r.components.Locks.SweepExpired() {
		r.announceUnlock(lock, types.UnlockExpired, types.AuditLockExpired)
	}
	for _, typing := range r.components.Signals.SweepTyping() {
		r.broadcast(types.MessageTypeTypingStop, typing, "")
	}
	r.rateLimiter.Cleanup()
}

// ForceUnlock releases key regardless of holder. Used by the admin API.
func (r *Router) ForceUnlock(key types.DocumentKey) (*types.DocumentLock, bool) {
	lock := r.components.Locks.ForceRelease(key)
	if lock == nil {
		return nil, false
	}
	r.announceUnlock(lock, types.UnlockForced, types.AuditLockForceReleased)
	return lock, true
}

func (r *Router) announceUnlock(lock *types.DocumentLock, reason, auditType string) {
	r.broadcast(types.MessageTypeUnlock, types.UnlockPayload{
		DocumentKey: lock.DocumentKey,
		UserID:      lock.HolderUserID,
		Reason:      reason,
	}, "")
	key := lock.DocumentKey
	r.record(types.NewAuditEvent(auditType, lock.HolderUserID, &key, reason))
}

// SendError replies to conn with an explicit rejection.
func (r *Router) SendError(conn *websocket.Connection, requestID string, err error) {
	r.send(conn, requestID, types.MessageTypeError, types.ErrorPayload{
		Code:    types.CodeOf(err),
		Message: err.Error(),
	})
}

func (r *Router) send(conn *websocket.Connection, requestID, msgType string, payload interface{}) {
	envelope, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("Failed to encode %s: %v", msgType, err)
		return
	}
	envelope.RequestID = requestID

	// FUNCTIONAL DISCOVERY: Delivery failures are logged and never fail the operation
	if err := r.registry.Deliver(conn, envelope); err != nil {
		log.Printf("Failed to deliver %s to %s: %v", msgType, conn.GetUserID(), err)
	}
}

// sendToUser delivers to whichever session userID currently has; offline users are skipped.
func (r *Router) sendToUser(userID, msgType string, payload interface{}) {
	envelope, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("Failed to encode %s: %v", msgType, err)
		return
	}
	err = r.registry.SendTo(userID, envelope)
	switch {
	case err == nil:
	case errors.Is(err, websocket.ErrUserNotConnected):
		log.Printf("Dropping %s for offline user %s", msgType, userID)
	default:
		log.Printf("Failed to deliver %s to %s: %v", msgType, userID, err)
	}
}

func (r *Router) broadcast(msgType string, payload interface{}, exceptUserID string) {
	envelope, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("Failed to encode %s: %v", msgType, err)
		return
	}
	r.registry.Broadcast(envelope, exceptUserID)
}

func (r *Router) record(event *types.AuditEvent) {
	if r.audit == nil {
		return
	}
	r.audit.RecordEventAsync(event)
}

// GetStats returns routing statistics for the health endpoint.
func (r *Router) GetStats() map[string]int {
	stats := r.registry.GetStats()
	stats["online_users"] = r.components.Presence.Count()
	stats["viewed_documents"] = r.components.Viewers.Len()
	stats["typing_users"] = len(r.components.Signals.Typing())
	for k, v := range r.components.Locks.Stats() {
		stats[k] = v
	}
	return stats
}
