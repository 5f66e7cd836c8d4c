// Package hub provides connection management for WebSocket clients.
// Sessions are tracked in an expiring registry with capacity-bounded
// per-connection outbound queues; a reaper sweep evicts idle entries.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrBufferFull is returned when a connection's send queue is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte
	mu        sync.Mutex
}

// WriteMessage writes a frame to the connection under the write lock.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// sessionEntry tracks one session's connections and last activity, so
// the reaper can evict sessions idle past the TTL.
type sessionEntry struct {
	conns    map[string]*Connection
	lastSeen time.Time
}

// Hub manages WebSocket connections indexed by session.
type Hub struct {
	connections map[string]*Connection
	sessions    map[string]*sessionEntry
	queueSize   int
	idleTTL     time.Duration
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// New creates a hub. queueSize bounds each connection's outbound
// queue; idleTTL bounds how long an idle session entry is kept.
func New(queueSize int, idleTTL time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*sessionEntry),
		queueSize:   queueSize,
		idleTTL:     idleTTL,
		logger:      logger.With().Str("component", "hub").Logger(),
	}
}

// NewConnection wraps a raw socket. The connection is not registered
// until Register is called.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.queueSize),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID] = conn
	if conn.SessionID != "" {
		h.bindLocked(conn, conn.SessionID)
	}
	h.logger.Debug().Str("conn_id", conn.ID).Msg("connection registered")
}

// Unregister removes a connection and closes its send queue.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	h.unbindLocked(conn)
	close(conn.Send)
	h.logger.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")
}

// BindSession binds a connection to a session, replacing any previous
// binding.
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	conn.SessionID = sessionID
	h.bindLocked(conn, sessionID)
}

func (h *Hub) bindLocked(conn *Connection, sessionID string) {
	entry := h.sessions[sessionID]
	if entry == nil {
		entry = &sessionEntry{conns: make(map[string]*Connection)}
		h.sessions[sessionID] = entry
	}
	entry.conns[conn.ID] = conn
	entry.lastSeen = time.Now()
}

func (h *Hub) unbindLocked(conn *Connection) {
	if conn.SessionID == "" {
		return
	}
	if entry := h.sessions[conn.SessionID]; entry != nil {
		delete(entry.conns, conn.ID)
		entry.lastSeen = time.Now()
	}
}

// Touch marks a session as recently active.
func (h *Hub) Touch(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry := h.sessions[sessionID]; entry != nil {
		entry.lastSeen = time.Now()
	}
}

// Broadcast sends a message to every connection of a session. A full
// queue drops the connection rather than blocking the caller.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	var stale []*Connection
	if entry != nil {
		for _, conn := range entry.conns {
			select {
			case conn.Send <- data:
			default:
				stale = append(stale, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range stale {
		h.logger.Warn().Str("conn_id", conn.ID).Str("session_id", sessionID).Msg("send queue full, dropping connection")
		h.Unregister(conn)
		conn.Close()
	}
}

// BroadcastJSON sends a JSON message to all connections of a session.
func (h *Hub) BroadcastJSON(sessionID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// SendToConnection sends a message to one connection without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SessionCount returns the number of tracked sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasActiveConnections reports whether a session has live connections.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.sessions[sessionID]
	return ok && len(entry.conns) > 0
}

// RunReaper evicts session entries with no connections that have been
// idle past the TTL. Runs until the context is cancelled.
func (h *Hub) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *Hub) reap() {
	cutoff := time.Now().Add(-h.idleTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, entry := range h.sessions {
		if len(entry.conns) == 0 && entry.lastSeen.Before(cutoff) {
			delete(h.sessions, sessionID)
			h.logger.Debug().Str("session_id", sessionID).Msg("idle session reaped")
		}
	}
}
