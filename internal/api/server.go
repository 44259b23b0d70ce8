package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"collabhub/internal/router"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// StatsProvider reports live connection and coordination counters
type StatsProvider interface {
	GetStats() map[string]int
}

// LockController releases a lock on behalf of an operator
type LockController interface {
	ForceUnlock(ctx context.Context, key types.DocumentKey) (*types.DocumentLock, bool, error)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is a read-mostly window onto collaboration state
// The only mutation (force unlock) is funneled through the hub so broadcasts stay ordered
type Server struct {
	components router.Components
	audit      interfaces.AuditLog
	stats      StatsProvider
	locks      LockController
	mux        *http.ServeMux
	handler    http.Handler
	startedAt  time.Time
}

// NewServer wires the HTTP routes. audit may be nil when persistence is disabled.
func NewServer(components router.Components, audit interfaces.AuditLog, stats StatsProvider, locks LockController) *Server {
	s := &Server{
		components: components,
		audit:      audit,
		stats:      stats,
		locks:      locks,
		mux:        http.NewServeMux(),
		startedAt:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: CORS and JSON middleware wrap the whole mux so preflight
// requests are answered before method matching
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.healthCheck)
	s.mux.HandleFunc("GET /api/presence", s.listPresence)
	s.mux.HandleFunc("GET /api/locks", s.listLocks)
	s.mux.HandleFunc("GET /api/locks/{type}/{id}", s.getLock)
	s.mux.HandleFunc("DELETE /api/locks/{type}/{id}", s.forceUnlock)
	s.mux.HandleFunc("GET /api/viewers/{type}/{id}", s.getViewers)
	s.mux.HandleFunc("GET /api/events", s.listEvents)

	s.handler = s.corsMiddleware(s.jsonMiddleware(s.mux))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type PresenceResponse struct {
	Users []types.ConnectedUser `json:"users"`
	Count int                   `json:"count"`
}

type LocksResponse struct {
	Locks []*types.DocumentLock `json:"locks"`
}

// LockStatusResponse answers "may I save this document?" for the host application
type LockStatusResponse struct {
	types.DocumentKey
	Locked bool                `json:"locked"`
	Lock   *types.DocumentLock `json:"lock,omitempty"`
}

type ForceUnlockResponse struct {
	types.DocumentKey
	Released bool                `json:"released"`
	Lock     *types.DocumentLock `json:"lock,omitempty"`
}

type ViewersResponse struct {
	types.DocumentKey
	Viewers []types.Viewer `json:"viewers"`
}

type EventsResponse struct {
	Events []*types.AuditEvent `json:"events"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) listPresence(w http.ResponseWriter, r *http.Request) {
	users := s.components.Presence.Snapshot()
	s.sendJSON(w, http.StatusOK, PresenceResponse{Users: users, Count: len(users)})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, LocksResponse{Locks: s.components.Locks.List()})
}

// documentKey extracts and validates {type}/{id} from the path
func (s *Server) documentKey(w http.ResponseWriter, r *http.Request) (types.DocumentKey, bool) {
	key := types.DocumentKey{Type: r.PathValue("type"), ID: r.PathValue("id")}
	if err := key.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return key, false
	}
	return key, true
}

// FUNCTIONAL DISCOVERY: GET /api/locks/{type}/{id} - an expired lease reports unlocked
func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	key, ok := s.documentKey(w, r)
	if !ok {
		return
	}
	lock, locked := s.components.Locks.Get(key)
	s.sendJSON(w, http.StatusOK, LockStatusResponse{DocumentKey: key, Locked: locked, Lock: lock})
}

// FUNCTIONAL DISCOVERY: DELETE /api/locks/{type}/{id} - operator force unlock, idempotent
func (s *Server) forceUnlock(w http.ResponseWriter, r *http.Request) {
	key, ok := s.documentKey(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	lock, released, err := s.locks.ForceUnlock(ctx, key)
	if err != nil {
		log.Printf("Force unlock of %s failed: %v", key, err)
		s.sendError(w, "Collaboration hub unavailable", http.StatusServiceUnavailable)
		return
	}
	s.sendJSON(w, http.StatusOK, ForceUnlockResponse{DocumentKey: key, Released: released, Lock: lock})
}

func (s *Server) getViewers(w http.ResponseWriter, r *http.Request) {
	key, ok := s.documentKey(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, ViewersResponse{DocumentKey: key, Viewers: s.components.Viewers.Viewers(key)})
}

// FUNCTIONAL DISCOVERY: GET /api/events?limit=N - newest audit rows first
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.sendError(w, "Audit log is disabled", http.StatusNotFound)
		return
	}

	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventsLimit)
	}

	events, err := s.audit.RecentEvents(r.Context(), limit)
	if err != nil {
		log.Printf("Failed to list audit events: %v", err)
		s.sendError(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.AuditEvent{}
	}
	s.sendJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"

	if s.audit != nil {
		dbStatus = "healthy"
		if err := s.audit.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.stats != nil {
		connections = s.stats.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables the back-office frontend to query state
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Collab-Token")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
