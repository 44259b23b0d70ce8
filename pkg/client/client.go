// Package client is a Go client for the collaboration hub. It keeps one socket
// open with bounded reconnects, heartbeats the server, watches for user idleness
// and mirrors presence, locks, viewers, typing and chat locally.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabhub/pkg/types"
)

// Config controls connection and lifecycle timings.
type Config struct {
	URL         string
	UserID      string
	DisplayName string
	// Header is sent on every dial, e.g. identity headers set by a proxy.
	Header http.Header
	Dialer *websocket.Dialer

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	RequestTimeout       time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	IdleDebounce         time.Duration
	SendBuffer           int
}

// DefaultConfig returns the reference lifecycle timings.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		HeartbeatInterval:    25 * time.Second,
		PongTimeout:          10 * time.Second,
		RequestTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          10 * time.Minute,
		IdleDebounce:         time.Second,
		SendBuffer:           64,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// LockResult is the outcome of a lock request. A denial is not an error.
type LockResult struct {
	Granted      bool
	Lock         *types.DocumentLock
	HolderUserID string
	HolderName   string
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	backoff Backoff
	mirror  *Mirror
	pending *pendingRequests
	idle    *IdleWatchdog

	mu        sync.RWMutex
	state     State
	running   bool
	sendCh    chan []byte
	done      chan struct{}
	listeners []func(State)
	handlers  []func(*types.Envelope)
}

// New builds a client; zero Config fields take DefaultConfig values.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		mirror:  NewMirror(cfg.UserID),
		pending: newPendingRequests(),
	}
	c.idle = NewIdleWatchdog(cfg.IdleTimeout, cfg.IdleDebounce, c.onIdle)
	return c
}

// OnStateChange registers fn to run on every lifecycle transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// OnMessage registers fn to see every server frame after the mirror applied it.
func (c *Client) OnMessage(fn func(*types.Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Run connects and keeps reconnecting until ctx ends or MaxReconnectAttempts
// consecutive attempts fail, in which case it returns ErrGaveUp. An attempt
// only counts as successful once the server's presence snapshot arrives, so a
// server that accepts and then drops the socket is backed off like a failed dial.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	c.idle.Start()
	defer func() {
		c.idle.Stop()
		c.setState(StateDisconnected)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	failures := 0
	for {
		c.setState(StateConnecting)
		established := false
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			established, err = c.serve(ctx, conn)
		}
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if established {
			failures = 0
			log.Printf("Connection for %s lost: %v", c.cfg.UserID, err)
		} else {
			failures++
			log.Printf("Connecting to %s failed (attempt %d/%d): %v", c.cfg.URL, failures, c.cfg.MaxReconnectAttempts, err)
			if failures >= c.cfg.MaxReconnectAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
			}
		}

		delay := c.backoff.Delay(max(failures-1, 0))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// serve runs one connection until it drops. It reports whether the server's
// presence snapshot arrived, which marks the session as established.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (bool, error) {
	done := make(chan struct{})
	pongs := make(chan struct{}, 1)

	c.mirror.reset()
	c.mu.Lock()
	c.sendCh = make(chan []byte, c.cfg.SendBuffer)
	c.done = done
	sendCh := c.sendCh
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(conn, sendCh, done)
	}()
	go func() {
		defer wg.Done()
		c.heartbeat(conn, pongs, done)
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.setState(StateConnected)
	established := false
	err := c.readLoop(conn, pongs, &established)

	c.mu.Lock()
	c.sendCh = nil
	c.done = nil
	c.mu.Unlock()
	close(done)
	_ = conn.Close()
	wg.Wait()

	c.pending.failAll()
	return established, err
}

func (c *Client) readLoop(conn *websocket.Conn, pongs chan<- struct{}, established *bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("Dropping malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case types.MessageTypePong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		case types.MessageTypePresenceUpdate:
			if !*established {
				var p types.PresencePayload
				*established = env.Decode(&p) == nil && p.Event == types.PresenceSnapshot
			}
		}

		c.mirror.Apply(&env)
		c.pending.resolve(&env)

		c.mu.RLock()
		handlers := append([]func(*types.Envelope){}, c.handlers...)
		c.mu.RUnlock()
		for _, fn := range handlers {
			fn(&env)
		}
	}
}

// writeLoop is the only goroutine writing to conn
func (c *Client) writeLoop(conn *websocket.Conn, sendCh <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Write failed, closing connection: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// heartbeat pings on an interval and closes conn when a pong is late
func (c *Client) heartbeat(conn *websocket.Conn, pongs <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if deadline != nil {
				continue
			}
			if err := c.send(types.MessageTypePing, uuid.NewString(), nil); err != nil {
				continue
			}
			timer = time.NewTimer(c.cfg.PongTimeout)
			deadline = timer.C
		case <-pongs:
			if timer != nil {
				timer.Stop()
			}
			deadline = nil
		case <-deadline:
			log.Printf("No pong within %v, closing connection", c.cfg.PongTimeout)
			_ = conn.Close()
			return
		}
	}
}

// send queues one frame without blocking
func (c *Client) send(msgType, requestID string, payload interface{}) error {
	env, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	env.RequestID = requestID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.sendCh == nil {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// request sends a frame and waits for the reply carrying its request id
func (c *Client) request(ctx context.Context, msgType string, payload interface{}) (*types.Envelope, error) {
	id := uuid.NewString()
	replies := c.pending.add(id)
	defer c.pending.remove(id)

	if err := c.send(msgType, id, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.Type == types.MessageTypeError {
			var p types.ErrorPayload
			_ = reply.Decode(&p)
			return nil, &RequestError{Code: p.Code, Message: p.Message}
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestLock asks for exclusive editing of key and waits for the answer.
func (c *Client) RequestLock(ctx context.Context, key types.DocumentKey) (LockResult, error) {
	reply, err := c.request(ctx, types.MessageTypeLockRequest, types.DocumentRequest{DocumentKey: key})
	if err != nil {
		return LockResult{}, err
	}

	var resp types.LockResponse
	if err := reply.Decode(&resp); err != nil {
		return LockResult{}, err
	}
	return LockResult{
		Granted:      resp.Granted,
		Lock:         resp.Lock,
		HolderUserID: resp.HolderUserID,
		HolderName:   resp.HolderName,
	}, nil
}

// ReleaseLock gives key back. Releasing a lock that is not held is a no-op server side.
func (c *Client) ReleaseLock(key types.DocumentKey) error {
	return c.send(types.MessageTypeUnlock, uuid.NewString(), types.DocumentRequest{DocumentKey: key})
}

func (c *Client) StartViewing(key types.DocumentKey) error {
	return c.send(types.MessageTypeStartViewing, uuid.NewString(), types.DocumentRequest{DocumentKey: key})
}

func (c *Client) StopViewing(key types.DocumentKey) error {
	return c.send(types.MessageTypeStopViewing, uuid.NewString(), types.DocumentRequest{DocumentKey: key})
}

// SetActivity updates the local mirror immediately; the server's broadcast
// confirms it and an error reply reverts it.
func (c *Client) SetActivity(activity types.Activity) error {
	id := uuid.NewString()
	c.mirror.setOptimistic(id, activity)
	if err := c.send(types.MessageTypePresenceUpdate, id, types.ActivityRequest{Activity: activity}); err != nil {
		c.mirror.mu.Lock()
		c.mirror.rejectOptimistic(id)
		c.mirror.mu.Unlock()
		return err
	}
	return nil
}

// SendChat broadcasts text, or sends it only to toUserID when set.
func (c *Client) SendChat(text, toUserID string) error {
	return c.send(types.MessageTypeChat, uuid.NewString(), types.ChatRequest{Text: text, ToUserID: toUserID})
}

func (c *Client) StartTyping() error {
	return c.send(types.MessageTypeTypingStart, "", nil)
}

func (c *Client) StopTyping() error {
	return c.send(types.MessageTypeTypingStop, "", nil)
}

// Touch reports user input to the idle watchdog.
func (c *Client) Touch() {
	c.idle.Touch()
}

// onIdle releases held locks after prolonged inactivity
func (c *Client) onIdle() {
	held := c.mirror.HeldBy(c.cfg.UserID)
	if len(held) == 0 {
		return
	}
	log.Printf("User %s idle, releasing %d lock(s)", c.cfg.UserID, len(held))
	if err := c.send(types.MessageTypeIdleUnlock, "", nil); err != nil {
		log.Printf("Idle unlock for %s not sent: %v", c.cfg.UserID, err)
	}
}

func (c *Client) Users() []types.ConnectedUser { return c.mirror.Users() }

func (c *Client) Lock(key types.DocumentKey) (*types.DocumentLock, bool) { return c.mirror.Lock(key) }

func (c *Client) Viewers(key types.DocumentKey) []types.Viewer { return c.mirror.Viewers(key) }

func (c *Client) TypingUsers() []types.TypingPayload { return c.mirror.TypingUsers() }

func (c *Client) Messages() []types.ChatMessage { return c.mirror.Messages() }

// Mirror exposes the local state copy.
func (c *Client) Mirror() *Mirror { return c.mirror }
