// Package session implements the per-note document session: the in-memory
// aggregate owning a note's DocumentReplica, AwarenessReplica, and the set
// of attached connections, along with the fan-out rules that route updates
// between them.
package session

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Transport is the minimal surface a live client socket must expose.
// *websocket.Conn satisfies this directly.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

var nextConnectionID atomic.Uint64

// Connection is one live client socket attached to a NoteSession.
type Connection struct {
	id        uint64
	transport Transport
	logger    *zap.Logger

	send     chan []byte
	done     chan struct{}
	closeErr sync.Once

	mu                sync.Mutex
	noteSession       *NoteSession // non-owning back-reference
	ownedAwarenessIDs map[uint64]struct{}
}

// NewConnection wraps a transport in a Connection with the given outbound
// buffer size, and starts its writer goroutine. The writer goroutine exits
// when Close is called or a transport write fails.
func NewConnection(transport Transport, sendBufferSize int, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 16
	}
	conn := &Connection{
		id:                nextConnectionID.Add(1),
		transport:         transport,
		logger:            logger,
		send:              make(chan []byte, sendBufferSize),
		done:              make(chan struct{}),
		ownedAwarenessIDs: make(map[uint64]struct{}),
	}
	go conn.runWriter()
	return conn
}

// ID returns a process-local identifier useful for logging.
func (c *Connection) ID() uint64 {
	return c.id
}

// Session returns the NoteSession this connection is currently attached to,
// or nil if detached.
func (c *Connection) Session() *NoteSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noteSession
}

func (c *Connection) setSession(s *NoteSession) {
	c.mu.Lock()
	c.noteSession = s
	c.mu.Unlock()
}

// OwnedAwarenessIDs returns a snapshot of the client IDs this connection has
// introduced (added or removed) into the awareness replica.
func (c *Connection) OwnedAwarenessIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.ownedAwarenessIDs))
	for id := range c.ownedAwarenessIDs {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) recordOwnedAwarenessIDs(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		c.ownedAwarenessIDs[id] = struct{}{}
	}
	c.mu.Unlock()
}

// Send enqueues an already-encoded frame for delivery. It never blocks: a
// connection whose outbound buffer is full is treated as unresponsive and
// closed, matching the "non-blocking enqueue" rule in the concurrency
// model (spec.md §5) — a slow consumer cannot stall fan-out to its peers.
func (c *Connection) Send(encodedFrame []byte) {
	select {
	case c.send <- encodedFrame:
	case <-c.done:
	default:
		c.logger.Warn("connection send buffer full, closing", zap.Uint64("connection_id", c.id))
		c.Close()
	}
}

// Close closes the underlying transport and stops the writer goroutine. Safe
// to call more than once.
func (c *Connection) Close() {
	c.closeErr.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}

// ReadMessage blocks until a frame arrives or the transport errors/closes.
func (c *Connection) ReadMessage() ([]byte, error) {
	_, data, err := c.transport.ReadMessage()
	return data, err
}

func (c *Connection) runWriter() {
	for {
		select {
		case frame := <-c.send:
			if err := c.transport.WriteMessage(binaryMessageType, frame); err != nil {
				c.logger.Debug("connection write failed, closing", zap.Uint64("connection_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// binaryMessageType mirrors gorilla/websocket.BinaryMessage without
// importing the transport library into this package's public surface; the
// numeric value is part of the RFC 6455 opcode space and stable.
const binaryMessageType = 2
