package fixtures

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabhub/pkg/types"
)

// TestClient is a raw protocol client that records every frame it receives.
// Scenarios use it where they need to see exact wire traffic or drop a socket abruptly.
type TestClient struct {
	UserID      string
	DisplayName string
	ServerURL   string

	conn     *websocket.Conn
	messages chan *types.Envelope
	done     chan struct{}

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

func NewTestClient(identity types.Identity, wsURL string) *TestClient {
	return &TestClient{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		ServerURL:   wsURL,
		messages:    make(chan *types.Envelope, 256),
		done:        make(chan struct{}),
	}
}

// Connect dials with identity headers, as a fronting proxy would set them
func (tc *TestClient) Connect(ctx context.Context, extra http.Header) error {
	header := http.Header{}
	header.Set("X-User-Id", tc.UserID)
	header.Set("X-User-Name", tc.DisplayName)
	for k, v := range extra {
		header[k] = v
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, tc.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	tc.conn = conn

	go tc.readLoop()
	return nil
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		var env types.Envelope
		if err := tc.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case tc.messages <- &env:
		default:
			// Channel full, drop message (shouldn't happen in tests)
		}
	}
}

// Send writes one envelope and returns its request id
func (tc *TestClient) Send(msgType string, payload interface{}) (string, error) {
	env, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		return "", err
	}
	env.RequestID = uuid.NewString()

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := tc.conn.WriteJSON(env); err != nil {
		return "", fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return env.RequestID, nil
}

// SendRaw writes bytes as a text frame, used to inject malformed frames
func (tc *TestClient) SendRaw(data []byte) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return tc.conn.WriteMessage(websocket.TextMessage, data)
}

// Expect skips frames until one of msgType satisfies match (nil matches any)
func (tc *TestClient) Expect(msgType string, match func(*types.Envelope) bool, timeout time.Duration) (*types.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case env := <-tc.messages:
			if env.Type == msgType && (match == nil || match(env)) {
				return env, nil
			}
		case <-tc.done:
			// drain what arrived before the close
			select {
			case env := <-tc.messages:
				if env.Type == msgType && (match == nil || match(env)) {
					return env, nil
				}
				continue
			default:
			}
			return nil, fmt.Errorf("%s: connection closed waiting for %s", tc.UserID, msgType)
		case <-deadline.C:
			return nil, fmt.Errorf("%s: timeout waiting for %s", tc.UserID, msgType)
		}
	}
}

// ExpectReply waits for the frame answering requestID
func (tc *TestClient) ExpectReply(msgType, requestID string, timeout time.Duration) (*types.Envelope, error) {
	return tc.Expect(msgType, func(env *types.Envelope) bool { return env.RequestID == requestID }, timeout)
}

// Drain discards buffered frames
func (tc *TestClient) Drain() {
	for {
		select {
		case <-tc.messages:
		default:
			return
		}
	}
}

// Done is closed when the server side or Close ends the connection
func (tc *TestClient) Done() <-chan struct{} {
	return tc.done
}

// Close drops the socket without a close handshake, like a network failure
func (tc *TestClient) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed || tc.conn == nil {
		return
	}
	tc.closed = true
	_ = tc.conn.Close()
}
