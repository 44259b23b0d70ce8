package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"collabhub/internal/router"
	"collabhub/internal/websocket"
	"collabhub/pkg/types"
)

const (
	defaultEventBuffer   = 1024
	defaultSweepInterval = 30 * time.Second
)

type eventKind int

const (
	eventJoin eventKind = iota
	eventLeave
	eventMessage
	eventCall
)

// event is one unit of work for the hub goroutine
// FUNCTIONAL DISCOVERY: Joins, leaves and frames share one channel so a session's
// admission is always processed before its first frame and its leave after its last
type event struct {
	kind     eventKind
	conn     *websocket.Connection
	identity types.Identity
	envelope *types.Envelope
	call     func()
}

// Hub serializes every state mutation onto a single goroutine
// ARCHITECTURAL DISCOVERY: Central coordination point for all collaboration events
// maintains clean separation between WebSocket handling and routing
type Hub struct {
	events          chan event
	shutdownChannel chan struct{}
	stopped         chan struct{}
	sweepInterval   time.Duration

	registry *websocket.Registry
	router   *router.Router

	running bool
	mu      sync.RWMutex
}

// NewHub builds a hub. Non-positive sizes and intervals fall back to defaults.
func NewHub(registry *websocket.Registry, router *router.Router, eventBuffer int, sweepInterval time.Duration) *Hub {
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Hub{
		events:          make(chan event, eventBuffer),
		shutdownChannel: make(chan struct{}),
		stopped:         make(chan struct{}),
		sweepInterval:   sweepInterval,
		registry:        registry,
		router:          router,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting collaboration hub...")
	go h.run(ctx)
	return nil
}

// Stop gracefully shuts down the hub and waits for the loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false

	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	h.mu.Unlock()

	log.Println("Stopping collaboration hub...")
	<-h.stopped
	return nil
}

func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Join queues admission of conn. Implements websocket.Dispatcher.
func (h *Hub) Join(conn *websocket.Connection, identity types.Identity) error {
	if conn == nil {
		return ErrNilConnection
	}
	return h.enqueue(event{kind: eventJoin, conn: conn, identity: identity})
}

// Dispatch queues an inbound frame without blocking the read pump.
func (h *Hub) Dispatch(conn *websocket.Connection, envelope *types.Envelope) error {
	return h.enqueue(event{kind: eventMessage, conn: conn, envelope: envelope})
}

// Leave queues the disconnect cascade for conn.
// FUNCTIONAL DISCOVERY: A dropped leave would strand locks until they expire, so
// this blocks until the event is accepted or the hub is gone
func (h *Hub) Leave(conn *websocket.Connection) {
	if conn == nil || !h.IsRunning() {
		return
	}
	select {
	case h.events <- event{kind: eventLeave, conn: conn}:
	case <-h.stopped:
	}
}

// ForceUnlock releases key on the hub goroutine and announces it.
func (h *Hub) ForceUnlock(ctx context.Context, key types.DocumentKey) (*types.DocumentLock, bool, error) {
	var (
		lock     *types.DocumentLock
		released bool
	)
	err := h.call(ctx, func() {
		lock, released = h.router.ForceUnlock(key)
	})
	return lock, released, err
}

// call runs fn on the hub goroutine and waits for it.
func (h *Hub) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.events <- event{kind: eventCall, call: wrapped}:
	case <-h.stopped:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
func (h *Hub) enqueue(ev event) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.events <- ev:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)
	defer log.Println("Hub processing stopped")

	sweep := time.NewTicker(h.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case ev := <-h.events:
			h.handle(ev)

		case <-sweep.C:
			h.router.Sweep()

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case eventJoin:
		if err := h.router.HandleJoin(ev.conn, ev.identity); err != nil {
			log.Printf("Join failed for user %s: %v", ev.identity.UserID, err)
			if closeErr := ev.conn.Close(); closeErr != nil {
				log.Printf("Failed to close connection after join failure: %v", closeErr)
			}
		}

	case eventLeave:
		h.router.HandleLeave(ev.conn)

	case eventMessage:
		// TECHNICAL DISCOVERY: Router errors are reported to the sender only and
		// never stop the loop
		if err := h.router.RouteMessage(ev.conn, ev.envelope); err != nil {
			if err == router.ErrSenderNotConnected {
				return
			}
			log.Printf("Rejected %s from %s: %v", ev.envelope.Type, ev.conn.GetUserID(), err)
			h.router.SendError(ev.conn, ev.envelope.RequestID, err)
		}

	case eventCall:
		ev.call()
	}
}
