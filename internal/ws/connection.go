package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/brightdesk/helpdesk/internal/identity"
)

// Connection represents a single WebSocket client connection: the resolved
// caller identity, the tracker footprint recorded for disconnect cleanup, and
// a write mutex for serializing outbound frames. The identity is set once at
// upgrade time and never changes; the footprint fields are mutated only by
// the gateway's command handlers.
type Connection struct {
	ID        string            // connection ID (UUID)
	Identity  identity.Identity // resolved caller, immutable after connect
	Conn      net.Conn          // underlying TCP connection
	Fd        int               // file descriptor for epoll lookups
	CreatedAt time.Time         // when the connection was established

	// lastPing holds the unix nanos of the last liveness signal. Written by
	// read workers, read by the heartbeat goroutine, hence atomic.
	lastPing atomic.Int64

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	// stateMu guards the cleanup footprint below. Each field records at most
	// one registration so disconnect can unwind it exactly once.
	stateMu            sync.Mutex
	viewingTicket      string // ticket currently viewed, "" when none
	activeConversation string // conversation tracked for activity, "" when none
	presenceAgentID    string // agent this connection reported presence for
}

// TouchPing records a liveness signal: any successful read or an application
// ping proves the client is still there.
func (c *Connection) TouchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// LastPing returns the time of the last recorded liveness signal.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// SetViewingTicket records the ticket this connection is viewing, returning
// the previously viewed ticket (empty when none).
func (c *Connection) SetViewingTicket(ticketID string) (previous string) {
	c.stateMu.Lock()
	previous = c.viewingTicket
	c.viewingTicket = ticketID
	c.stateMu.Unlock()
	return previous
}

// ViewingTicket returns the ticket this connection is viewing, "" when none.
func (c *Connection) ViewingTicket() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.viewingTicket
}

// SetActiveConversation records the conversation tracked for activity,
// returning the previously tracked conversation (empty when none).
func (c *Connection) SetActiveConversation(conversationID string) (previous string) {
	c.stateMu.Lock()
	previous = c.activeConversation
	c.activeConversation = conversationID
	c.stateMu.Unlock()
	return previous
}

// ActiveConversation returns the conversation tracked for activity, "" when
// none.
func (c *Connection) ActiveConversation() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.activeConversation
}

// SetPresenceAgent records the agent id this connection registered presence
// for, returning the previous agent id (empty when none).
func (c *Connection) SetPresenceAgent(agentID string) (previous string) {
	c.stateMu.Lock()
	previous = c.presenceAgentID
	c.presenceAgentID = agentID
	c.stateMu.Unlock()
	return previous
}

// PresenceAgent returns the agent id this connection registered presence
// for, "" when none.
func (c *Connection) PresenceAgent() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.presenceAgentID
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both connection ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// SendMessage writes a text frame to the connection identified by connID.
// Unknown connections are a silent no-op: broadcasts can race disconnects,
// and the trackers are cleaned up through their own path.
func (cm *ConnectionManager) SendMessage(connID string, data []byte) error {
	conn := cm.Get(connID)
	if conn == nil {
		return nil
	}
	return conn.WriteMessage(data)
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
