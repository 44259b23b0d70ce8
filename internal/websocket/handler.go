package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Origin policy belongs to the fronting proxy that
		// authenticates users; the hub trusts what reaches it
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher receives connection lifecycle events and inbound frames.
// Implemented by the hub, which serializes them onto one goroutine.
type Dispatcher interface {
	Join(conn *Connection, identity types.Identity) error
	Leave(conn *Connection)
	Dispatch(conn *Connection, envelope *types.Envelope) error
}

// HandlerConfig carries the transport timings.
type HandlerConfig struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	MaxMessageBytes   int64
	MaxProtocolErrors int
}

// DefaultHandlerConfig mirrors the defaults in internal/config.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    256,
		MaxMessageBytes:   64 * 1024,
		MaxProtocolErrors: 20,
	}
}

// Handler upgrades HTTP requests into admitted collaboration sessions
// ARCHITECTURAL DISCOVERY: Multi-stage validation (identity -> upgrade -> admit)
// prevents invalid connections from consuming resources
type Handler struct {
	resolver   interfaces.IdentityResolver
	dispatcher Dispatcher
	config     HandlerConfig
}

func NewHandler(resolver interfaces.IdentityResolver, dispatcher Dispatcher, config HandlerConfig) *Handler {
	return &Handler{
		resolver:   resolver,
		dispatcher: dispatcher,
		config:     config,
	}
}

// HandleWebSocket resolves the caller's identity, upgrades, and hands the
// session to the dispatcher.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrUnauthorized):
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case errors.Is(err, interfaces.ErrMissingIdentity):
			http.Error(w, "Missing user identity", http.StatusBadRequest)
		case errors.Is(err, types.ErrInvalidUserID):
			http.Error(w, "Invalid user id format", http.StatusBadRequest)
		case errors.Is(err, types.ErrInvalidDisplayName):
			http.Error(w, "Invalid display name", http.StatusBadRequest)
		default:
			http.Error(w, "Identity resolution failed", http.StatusInternalServerError)
		}
		return
	}

	// FUNCTIONAL DISCOVERY: WebSocket upgrade after validation prevents resource waste
	// on invalid requests while providing proper HTTP error responses
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.config.SendBufferSize, h.config.WriteTimeout)
	if h.config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.config.MaxMessageBytes)
	}

	// TECHNICAL DISCOVERY: Join is queued before the read pump starts, so the
	// hub always sees admission ahead of the session's first frame
	if err := h.dispatcher.Join(wsConn, identity); err != nil {
		log.Printf("Failed to admit %s: %v", identity.UserID, err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat for one session.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Deferred cleanup ensures the leave cascade runs
		// for every exit path, including heartbeat timeout
		_ = conn.Close()
		h.dispatcher.Leave(conn)
	}()

	readTimeout := h.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if h.config.PingInterval > 0 {
		go h.pingLoop(conn)
	}

	malformed := 0
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for %s: %v", conn.GetUserID(), err)
			}
			return
		}

		// Any inbound frame counts as liveness.
		_ = conn.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		var envelope types.Envelope
		var protoErr error
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
			protoErr = types.NewProtocolError(types.CodeInvalidMessage, types.ErrInvalidPayload)
		} else if !types.IsClientMessageType(envelope.Type) {
			protoErr = types.NewProtocolError(types.CodeUnknownType, fmt.Errorf("%w: %q", types.ErrInvalidMessageType, envelope.Type))
		}
		if protoErr != nil {
			malformed++
			h.replyError(conn, envelope.RequestID, protoErr)
			if h.config.MaxProtocolErrors > 0 && malformed >= h.config.MaxProtocolErrors {
				log.Printf("Closing %s after %d malformed frames", conn.GetUserID(), malformed)
				return
			}
			continue
		}
		malformed = 0

		if err := h.dispatcher.Dispatch(conn, &envelope); err != nil {
			h.replyError(conn, envelope.RequestID, types.NewProtocolError(types.CodeServerBusy, err))
		}
	}
}

// pingLoop sends protocol pings until the connection closes.
// TECHNICAL DISCOVERY: WriteControl is safe to call concurrently with the writer goroutine
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) replyError(conn *Connection, requestID string, err error) {
	envelope, encErr := types.NewEnvelope(types.MessageTypeError, types.ErrorPayload{
		Code:    types.CodeOf(err),
		Message: err.Error(),
	})
	if encErr != nil {
		return
	}
	envelope.RequestID = requestID
	if writeErr := conn.WriteJSON(envelope); writeErr != nil {
		log.Printf("Failed to send error to %s: %v", conn.GetUserID(), writeErr)
	}
}
