package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/m3nu/hedgedoc/internal/realtime/awareness"
	"github.com/m3nu/hedgedoc/internal/realtime/document"
	"github.com/m3nu/hedgedoc/internal/realtime/frame"
)

// BeforeDestroyHook is invoked with the note's current text immediately
// before a NoteSession with no remaining connections is torn down. Errors
// are logged but never prevent destruction.
type BeforeDestroyHook func(noteID string, content string) error

// NoteSession is the live aggregate for one note: its CRDT document
// replica, its awareness replica, and every attached connection. All
// mutation and fan-out for a note funnels through a single NoteSession
// instance, guarded by mu.
type NoteSession struct {
	noteID    string
	document  *document.Replica
	awareness *awareness.Replica
	logger    *zap.Logger

	onEmpty         func(noteID string)
	onBeforeDestroy BeforeDestroyHook

	mu          sync.Mutex
	connections map[*Connection]struct{}
	destroyed   bool
}

// New constructs a NoteSession seeded with initialText. onEmpty is invoked
// (outside any lock) the moment the last connection detaches, so the owning
// registry can decide whether to retire the session.
func New(noteID string, initialText string, onEmpty func(noteID string), onBeforeDestroy BeforeDestroyHook, logger *zap.Logger) (*NoteSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := document.NewReplica(initialText)
	if err != nil {
		return nil, fmt.Errorf("session: construct document replica: %w", err)
	}
	return &NoteSession{
		noteID:          noteID,
		document:        doc,
		awareness:       awareness.NewReplica(),
		logger:          logger.With(zap.String("note_id", noteID)),
		onEmpty:         onEmpty,
		onBeforeDestroy: onBeforeDestroy,
		connections:     make(map[*Connection]struct{}),
	}, nil
}

// NoteID returns the identifier this session was created for.
func (s *NoteSession) NoteID() string {
	return s.noteID
}

// ConnectionCount reports the number of currently attached connections.
func (s *NoteSession) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Attach registers conn with the session and gives it its own document
// sync state. The awareness state of clients already present is not sent
// to conn; conn learns of them only when they next send an awareness
// update.
func (s *NoteSession) Attach(conn *Connection) {
	s.mu.Lock()
	s.connections[conn] = struct{}{}
	s.document.AttachPeer(conn)
	s.mu.Unlock()
	conn.setSession(s)
}

// Detach removes conn from the session, releases its document sync state,
// and expires any awareness presence it owned. If this was the last
// connection, onEmpty fires after the lock is released.
func (s *NoteSession) Detach(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	s.document.DetachPeer(conn)
	remaining := len(s.connections)
	s.mu.Unlock()

	conn.setSession(nil)

	ownedIDs := conn.OwnedAwarenessIDs()
	if len(ownedIDs) > 0 {
		change := s.awareness.RemoveStates(ownedIDs)
		if !change.Empty() {
			s.broadcastAwareness(change, conn)
		}
	}

	if remaining == 0 && s.onEmpty != nil {
		s.onEmpty(s.noteID)
	}
}

// RouteFrame decodes an inbound frame from conn and applies it to the
// appropriate replica, fanning out any resulting update to the rest of the
// session. Frames of an unrecognized or reserved type are accepted and
// silently discarded, matching the forward-compatibility posture of the
// wire protocol (spec.md §6 HEDGEDOC reserved range).
func (s *NoteSession) RouteFrame(conn *Connection, raw []byte) error {
	messageType, payload, err := frame.Decode(raw)
	if err != nil {
		return err
	}

	switch messageType {
	case frame.TypeSync:
		return s.routeSync(conn, payload)
	case frame.TypeAwareness:
		return s.routeAwareness(conn, payload)
	default:
		s.logger.Debug("ignoring frame of unrecognized type", zap.Uint64("message_type", uint64(messageType)))
		return nil
	}
}

func (s *NoteSession) routeSync(conn *Connection, payload []byte) error {
	response, err := s.document.ApplyRemoteSync(conn, payload)
	if err != nil {
		return fmt.Errorf("session: apply sync frame: %w", err)
	}
	if response != nil {
		conn.Send(frame.Encode(frame.TypeSync, response))
	}

	// Fan out convergence messages to every other attached peer. This runs
	// after ApplyRemoteSync has returned and released the document's lock,
	// so GeneratePendingSync here cannot nest inside an update handler.
	s.mu.Lock()
	peers := make([]*Connection, 0, len(s.connections))
	for peer := range s.connections {
		if peer == conn {
			continue
		}
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if pending, ok := s.document.GeneratePendingSync(peer); ok {
			peer.Send(frame.Encode(frame.TypeSync, pending))
		}
	}
	return nil
}

func (s *NoteSession) routeAwareness(conn *Connection, payload []byte) error {
	change, err := s.awareness.ApplyRemote(conn, payload)
	if err != nil {
		return fmt.Errorf("session: apply awareness frame: %w", err)
	}
	if change.Empty() {
		return nil
	}

	// Ownership tracks added and removed IDs, not merely updated ones: a
	// client that disconnects must expire every presence entry it
	// introduced, but an entry it only ever refreshed (added by an earlier
	// connection, e.g. after a reconnect under the same client ID) is not
	// this connection's to expire.
	owned := append(append([]uint64(nil), change.Added...), change.Removed...)
	conn.recordOwnedAwarenessIDs(owned)

	s.broadcastAwareness(change, conn)
	return nil
}

// broadcastAwareness sends the affected client states to every attached
// connection, including origin (the awareness protocol is not
// origin-excluded the way document sync is: origin needs the canonical
// merged clock back, e.g. when its update was partially stale).
func (s *NoteSession) broadcastAwareness(change awareness.Change, origin *Connection) {
	ids := append(append([]uint64(nil), change.Added...), change.Updated...)
	ids = append(ids, change.Removed...)
	if len(ids) == 0 {
		return
	}
	payload := s.awareness.Encode(ids)
	encoded := frame.Encode(frame.TypeAwareness, payload)

	s.mu.Lock()
	recipients := make([]*Connection, 0, len(s.connections))
	for peer := range s.connections {
		recipients = append(recipients, peer)
	}
	s.mu.Unlock()

	for _, peer := range recipients {
		peer.Send(encoded)
	}
	_ = origin
}

// Destroy runs the before-destroy hook (if any) with the note's current
// text and releases the document replica. Callers must ensure no
// connections remain attached; the registry is responsible for that
// invariant.
func (s *NoteSession) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	if s.onBeforeDestroy != nil {
		text, err := s.document.Text()
		if err != nil {
			s.logger.Warn("failed to read content before destroy", zap.Error(err))
		} else if err := s.onBeforeDestroy(s.noteID, text); err != nil {
			s.logger.Warn("before-destroy hook failed", zap.Error(err))
		}
	}
	s.document.Destroy()
}
