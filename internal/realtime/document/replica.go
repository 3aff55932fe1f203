// Package document wraps the automerge CRDT document backing a single
// note's collaborative text body, and the per-connection sync state needed
// to reconcile it with every attached peer.
package document

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// contentField is the named text field inside the document holding the
// note body.
const contentField = "content"

// ErrUnknownPeer is returned when a caller references a connection that has
// no registered sync state (it was never attached, or was already
// released).
var ErrUnknownPeer = errors.New("document: unknown peer")

// UpdateHandler is invoked once per observable document mutation, with the
// origin that submitted the change (nil for server-internal changes such as
// the initial content seed). It is always invoked synchronously, under
// whatever lock the caller already holds, matching the CRDT-library
// contract described in the realtime core's design notes.
type UpdateHandler func(origin any)

// Replica owns the CRDT document object and one automerge.SyncState per
// attached peer. It has no notion of a websocket connection itself: callers
// pass an opaque `origin any` (in practice a *session.Connection) used only
// as a map key and as the value handed back to UpdateHandler.
type Replica struct {
	mu         sync.Mutex
	doc        *automerge.Doc
	peerStates map[any]*automerge.SyncState
	handlers   []UpdateHandler
	destroyed  bool
}

// NewReplica constructs a Replica and seeds the content field with the
// initial text at offset 0. The seed is applied with origin nil so it is
// never fanned out (spec.md §4.2).
func NewReplica(initialText string) (*Replica, error) {
	doc := automerge.New()
	if err := doc.RootMap().Set(contentField, automerge.NewText(initialText)); err != nil {
		return nil, fmt.Errorf("document: seed initial content: %w", err)
	}
	if _, err := doc.Commit("seed initial content", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("document: commit initial content: %w", err)
	}
	return &Replica{
		doc:        doc,
		peerStates: make(map[any]*automerge.SyncState),
	}, nil
}

// OnUpdate registers a handler invoked for every document mutation.
func (r *Replica) OnUpdate(handler UpdateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Text returns the current note body.
func (r *Replica) Text() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textLocked()
}

func (r *Replica) textLocked() (result string, err error) {
	value, err := r.doc.RootMap().Get(contentField)
	if err != nil {
		return "", fmt.Errorf("document: read content field: %w", err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			result, err = "", fmt.Errorf("document: content field is not text: %v", rec)
		}
	}()
	return value.Text().Get()
}

// ApplyRemoteSync feeds an inbound SYNC payload into origin's sync state. If
// the automerge sync protocol produced an immediate response (e.g. for an
// initial state-vector exchange), the encoded response bytes are returned
// for direct reply to origin; otherwise the second return is nil. Any
// resulting document mutation fires the registered update handlers with
// origin before this call returns.
func (r *Replica) ApplyRemoteSync(origin any, payload []byte) ([]byte, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil, errors.New("document: replica destroyed")
	}

	peerState := r.peerStateLocked(origin)

	headsBefore := r.doc.Heads()
	if _, err := peerState.ReceiveMessage(payload); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("document: receive sync message: %w", err)
	}
	headsAfter := r.doc.Heads()
	changed := !headsEqual(headsBefore, headsAfter)

	var response []byte
	if message, ok := peerState.GenerateMessage(); ok && message != nil {
		response = message.Bytes()
	}
	handlers := append([]UpdateHandler(nil), r.handlers...)
	r.mu.Unlock()

	// Handlers run outside the lock: the CRDT library invokes them
	// synchronously, but they must never call back into the replica while
	// it is held (the session fans out by calling GeneratePendingSync
	// after this method returns, not from within a handler).
	if changed {
		for _, handler := range handlers {
			handler(origin)
		}
	}

	return response, nil
}

// GeneratePendingSync reports whether peer's sync state has an outstanding
// message to send, encoding it if so. Used by the session to both reply to
// the sender (within ApplyRemoteSync) and to broadcast convergence messages
// to every other attached peer after a mutation.
func (r *Replica) GeneratePendingSync(peer any) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peerState, ok := r.peerStates[peer]
	if !ok {
		return nil, false
	}
	message, valid := peerState.GenerateMessage()
	if !valid || message == nil {
		return nil, false
	}
	return message.Bytes(), true
}

// AttachPeer registers a fresh sync state for a newly connected peer. Safe
// to call multiple times; subsequent calls are no-ops for an already known
// peer.
func (r *Replica) AttachPeer(peer any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerStateLocked(peer)
}

// DetachPeer releases the sync state held for peer, e.g. on disconnect.
func (r *Replica) DetachPeer(peer any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peerStates, peer)
}

// Peers returns every peer currently tracked by the replica, for fan-out
// iteration by the owning session.
func (r *Replica) Peers() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]any, 0, len(r.peerStates))
	for peer := range r.peerStates {
		peers = append(peers, peer)
	}
	return peers
}

func (r *Replica) peerStateLocked(peer any) *automerge.SyncState {
	state, ok := r.peerStates[peer]
	if !ok {
		state = automerge.NewSyncState(r.doc)
		r.peerStates[peer] = state
	}
	return state
}

// Destroy releases the underlying CRDT document. Subsequent calls into the
// replica return an error.
func (r *Replica) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	r.peerStates = nil
	r.doc = nil
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
