// Package gateway implements the session registry: the process-wide map
// from note identifier to live NoteSession, and the creation/teardown
// lifecycle around it.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/m3nu/hedgedoc/internal/realtime/session"
)

// NoteContentLoader resolves the initial CRDT seed text for a note the
// first time it is opened in a process. Implementations typically read the
// latest persisted snapshot plus any unapplied changes (see notepersist and
// notestore).
type NoteContentLoader interface {
	Content(ctx context.Context, noteID string) (string, error)
}

// Persister is notified with a note's final text immediately before its
// session is torn down, so it can be durably stored. Optional: a nil
// Persister means notes are only ever kept in memory for the process
// lifetime (spec.md §9, persistence explicitly out of scope for the core).
type Persister interface {
	PersistBeforeDestroy(noteID string, content string) error
}

// Registry owns every live NoteSession, keyed by note ID, and the
// first-opener creation lock that prevents a duplicate session from being
// built for the same note under concurrent connects (invariant 1, spec.md
// §5/§7).
type Registry struct {
	loader    NoteContentLoader
	persister Persister
	logger    *zap.Logger

	sendBufferSize int

	mu           sync.Mutex // guards sessions and creationLocks maps ONLY
	sessions     map[string]*session.NoteSession
	creationLock map[string]*sync.Mutex
}

// New constructs an empty Registry. sendBufferSize configures the outbound
// channel depth given to every Connection created via Connect.
func New(loader NoteContentLoader, persister Persister, sendBufferSize int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loader:         loader,
		persister:      persister,
		logger:         logger,
		sendBufferSize: sendBufferSize,
		sessions:       make(map[string]*session.NoteSession),
		creationLock:   make(map[string]*sync.Mutex),
	}
}

// Stats is a point-in-time introspection snapshot, exposed for operational
// visibility (supplemented feature, see DESIGN.md).
type Stats struct {
	OpenSessions      int
	TotalConnections  int
	ConnectionsByNote map[string]int
}

// Stats reports the current registry state. It takes the registry lock
// briefly to snapshot session pointers, then queries each session's own
// connection count without holding the registry lock — honoring the
// "never hold the registry lock while acquiring a session lock" rule.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make(map[string]*session.NoteSession, len(r.sessions))
	for noteID, s := range r.sessions {
		sessions[noteID] = s
	}
	r.mu.Unlock()

	stats := Stats{
		OpenSessions:      len(sessions),
		ConnectionsByNote: make(map[string]int, len(sessions)),
	}
	for noteID, s := range sessions {
		count := s.ConnectionCount()
		stats.ConnectionsByNote[noteID] = count
		stats.TotalConnections += count
	}
	return stats
}

// GetOrCreate returns the live session for noteID, constructing it (loading
// initial content via the configured loader) if this is the first caller to
// reference that note in the process. Concurrent callers for the same
// noteID serialize on a per-note creation lock rather than the registry-wide
// lock, so unrelated notes never contend with each other (invariant 2).
func (r *Registry) GetOrCreate(ctx context.Context, noteID string) (*session.NoteSession, error) {
	r.mu.Lock()
	if s, ok := r.sessions[noteID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	lock, ok := r.creationLock[noteID]
	if !ok {
		lock = &sync.Mutex{}
		r.creationLock[noteID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the per-note lock: another goroutine may
	// have finished construction while we waited.
	r.mu.Lock()
	if s, ok := r.sessions[noteID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	content, err := r.loader.Content(ctx, noteID)
	if err != nil {
		return nil, fmt.Errorf("gateway: load initial content for note %q: %w", noteID, err)
	}

	var beforeDestroy session.BeforeDestroyHook
	if r.persister != nil {
		beforeDestroy = r.persister.PersistBeforeDestroy
	}

	newSession, err := session.New(noteID, content, r.onSessionEmpty, beforeDestroy, r.logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: construct session for note %q: %w", noteID, err)
	}

	r.mu.Lock()
	r.sessions[noteID] = newSession
	r.mu.Unlock()

	return newSession, nil
}

// onSessionEmpty is the NoteSession onEmpty callback: it removes the
// session from the registry and runs its destroy hook. A session that
// gains a new connection between "became empty" and "removed from the
// registry" would be destroyed while still attached were this not
// re-checked; Connect and onSessionEmpty both serialize through r.mu and
// Detach always runs to completion before onEmpty fires, so by the time we
// get here ConnectionCount is authoritative at the instant of the check.
func (r *Registry) onSessionEmpty(noteID string) {
	r.mu.Lock()
	s, ok := r.sessions[noteID]
	r.mu.Unlock()
	if !ok {
		return
	}

	// ConnectionCount acquires the session mutex; it must never be called
	// while r.mu is held (lock inversion with Attach/Detach, which take the
	// session mutex and may in turn call back into the registry).
	if s.ConnectionCount() > 0 {
		return
	}

	r.mu.Lock()
	if current, ok := r.sessions[noteID]; !ok || current != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, noteID)
	delete(r.creationLock, noteID)
	r.mu.Unlock()

	s.Destroy()
}

// Connect attaches a freshly upgraded transport to noteID's session,
// creating the session if necessary, and returns the Connection handle the
// caller should use to pump ReadMessage/RouteFrame/Detach.
func (r *Registry) Connect(ctx context.Context, noteID string, transport session.Transport) (*session.Connection, *session.NoteSession, error) {
	noteSession, err := r.GetOrCreate(ctx, noteID)
	if err != nil {
		return nil, nil, err
	}
	conn := session.NewConnection(transport, r.sendBufferSize, r.logger)
	noteSession.Attach(conn)
	return conn, noteSession, nil
}
