package websocket

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"collabhub/pkg/types"
)

// Registry tracks the single live connection per user.
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic;
// presence, locks and viewers are cascaded by the router, not here
type Registry struct {
	mu          sync.RWMutex           // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy fan-out
	connections map[string]*Connection // userID -> Connection
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Admit binds identity to conn and makes it the user's current session.
// A prior session for the same user is returned and closed asynchronously.
func (r *Registry) Admit(conn *Connection, identity types.Identity) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if err := conn.SetIdentity(identity); err != nil {
		return nil, err
	}
	return r.RegisterConnection(conn)
}

// RegisterConnection adds an already authenticated connection.
// FUNCTIONAL DISCOVERY: Close existing connection asynchronously to prevent deadlock
// during registration while ensuring immediate replacement
func (r *Registry) RegisterConnection(conn *Connection) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return nil, ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	previous, exists := r.connections[userID]
	r.connections[userID] = conn
	r.mu.Unlock()

	if exists && previous != conn {
		go func() {
			if err := previous.Close(); err != nil {
				log.Printf("Failed to close replaced connection for %s: %v", userID, err)
			}
		}()
		return previous, nil
	}
	return nil, nil
}

// Remove unregisters conn and reports whether it was the user's current session.
// RACE CONDITION FIX: a replaced connection finishing its cleanup late must not
// remove the session that superseded it
func (r *Registry) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}

	userID := conn.GetUserID()
	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[userID]
	if !exists || registered != conn {
		return false
	}
	delete(r.connections, userID)
	return true
}

func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[userID]
	return conn, exists
}

// IsCurrent reports whether conn is the registered session for its user.
func (r *Registry) IsCurrent(conn *Connection) bool {
	if conn == nil {
		return false
	}
	current, ok := r.GetUserConnection(conn.GetUserID())
	return ok && current == conn
}

// Connections returns a snapshot ordered by user ID.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		connections = append(connections, conn)
	}
	r.mu.RUnlock()

	sort.Slice(connections, func(i, j int) bool {
		return connections[i].GetUserID() < connections[j].GetUserID()
	})
	return connections
}

// SendTo delivers v to one user. A peer whose buffer is full is evicted.
func (r *Registry) SendTo(userID string, v interface{}) error {
	conn, ok := r.GetUserConnection(userID)
	if !ok {
		return ErrUserNotConnected
	}
	err := conn.WriteJSON(v)
	if err == ErrSendBufferFull {
		r.evict(conn)
	}
	return err
}

// Deliver queues v on one specific connection, evicting it if its buffer is full.
func (r *Registry) Deliver(conn *Connection, v interface{}) error {
	if conn == nil {
		return ErrNilConnection
	}
	err := conn.WriteJSON(v)
	if err == ErrSendBufferFull {
		r.evict(conn)
	}
	return err
}

// Broadcast encodes v once and queues it for every connection except exceptUserID
// (empty means everyone). It returns the number of peers the frame was queued for.
// FUNCTIONAL DISCOVERY: Continue delivery on individual failures; one slow peer
// never blocks the others
func (r *Registry) Broadcast(v interface{}, exceptUserID string) int {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Broadcast encode failed: %v", err)
		return 0
	}

	delivered := 0
	for _, conn := range r.Connections() {
		if exceptUserID != "" && conn.GetUserID() == exceptUserID {
			continue
		}
		switch err := conn.WriteRaw(data); err {
		case nil:
			delivered++
		case ErrSendBufferFull:
			r.evict(conn)
		default:
			log.Printf("Broadcast to %s skipped: %v", conn.GetUserID(), err)
		}
	}
	return delivered
}

// evict closes a peer that cannot keep up. Its read pump then runs the normal
// leave cleanup.
func (r *Registry) evict(conn *Connection) {
	log.Printf("Evicting slow connection for user %s", conn.GetUserID())
	go func() {
		_ = conn.Close()
	}()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) GetStats() map[string]int {
	return map[string]int{
		"total_connections": r.Count(),
	}
}
