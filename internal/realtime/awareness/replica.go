// Package awareness implements the ephemeral per-client presence replica
// layered atop a note's document: cursors, selections, and other transient
// state that is never part of the CRDT document itself.
//
// The wire format mirrors the y-protocols awareness update: a varuint count
// of entries, each a (clientID, logical clock, state) triple where an empty
// state marks the client as removed.
package awareness

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrTruncatedUpdate indicates the payload ended mid-entry.
var ErrTruncatedUpdate = errors.New("awareness: truncated update")

// entry is one client's presence record as carried on the wire.
type entry struct {
	clientID uint64
	clock    uint32
	state    json.RawMessage // nil means removed
}

// Change summarizes the effect of applying an update: which client IDs were
// newly introduced, which had their state refreshed, and which were
// expired.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ChangeHandler is invoked once per applied update, with origin set to the
// connection that submitted it (nil for server-internal changes such as
// RemoveStates).
type ChangeHandler func(change Change, origin any)

// Replica holds the current presence state for every known client ID in a
// note and fans out changes to registered handlers.
type Replica struct {
	mu       sync.Mutex
	clients  map[uint64]entry
	handlers []ChangeHandler
}

// NewReplica constructs an empty presence replica. The local ("server")
// awareness state is never populated: the server is not a user with a
// cursor.
func NewReplica() *Replica {
	return &Replica{clients: make(map[uint64]entry)}
}

// OnChange registers a handler invoked for every applied change.
func (r *Replica) OnChange(handler ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// ApplyRemote decodes and merges a peer's awareness update, firing change
// handlers with origin before returning.
func (r *Replica) ApplyRemote(origin any, payload []byte) (Change, error) {
	entries, err := decode(payload)
	if err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	change := r.mergeLocked(entries)
	handlers := append([]ChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	if !change.Empty() {
		for _, handler := range handlers {
			handler(change, origin)
		}
	}
	return change, nil
}

// RemoveStates locally expires the given client IDs and broadcasts the
// removal with origin nil, per spec.md §4.3.
func (r *Replica) RemoveStates(ids []uint64) Change {
	entries := make([]entry, 0, len(ids))
	r.mu.Lock()
	for _, id := range ids {
		existing, ok := r.clients[id]
		clock := uint32(1)
		if ok {
			clock = existing.clock + 1
		}
		entries = append(entries, entry{clientID: id, clock: clock, state: nil})
	}
	change := r.mergeLocked(entries)
	handlers := append([]ChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	if !change.Empty() {
		for _, handler := range handlers {
			handler(change, nil)
		}
	}
	return change
}

// Encode serializes the current state of the given client IDs for
// broadcast. IDs with no known state are skipped.
func (r *Replica) Encode(ids []uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make([]entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.clients[id]; ok {
			present = append(present, e)
		}
	}
	return encode(present)
}

// KnownIDs returns every client ID currently tracked, present or removed.
func (r *Replica) KnownIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

func (r *Replica) mergeLocked(entries []entry) Change {
	var change Change
	for _, incoming := range entries {
		existing, known := r.clients[incoming.clientID]
		if known && incoming.clock <= existing.clock {
			continue // stale or duplicate
		}
		r.clients[incoming.clientID] = incoming
		switch {
		case incoming.state == nil:
			change.Removed = append(change.Removed, incoming.clientID)
		case !known || existing.state == nil:
			change.Added = append(change.Added, incoming.clientID)
		default:
			change.Updated = append(change.Updated, incoming.clientID)
		}
	}
	return change
}

// EncodeUpdate builds a single-entry update payload, as a client would send
// to add, refresh, or (with a nil state) remove its own presence. Exposed
// for tests and for in-process awareness synthesis.
func EncodeUpdate(clientID uint64, clock uint32, state json.RawMessage) []byte {
	return encode([]entry{{clientID: clientID, clock: clock, state: state}})
}

func encode(entries []entry) []byte {
	header := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(header, uint64(len(entries)))
	out := append([]byte(nil), header[:n]...)

	scratch := make([]byte, binary.MaxVarintLen64)
	for _, e := range entries {
		n = binary.PutUvarint(scratch, e.clientID)
		out = append(out, scratch[:n]...)
		n = binary.PutUvarint(scratch, uint64(e.clock))
		out = append(out, scratch[:n]...)
		n = binary.PutUvarint(scratch, uint64(len(e.state)))
		out = append(out, scratch[:n]...)
		out = append(out, e.state...)
	}
	return out
}

func decode(payload []byte) ([]entry, error) {
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("%w: entry count", ErrTruncatedUpdate)
	}
	payload = payload[n:]

	entries := make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		clientID, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("%w: client id", ErrTruncatedUpdate)
		}
		payload = payload[n:]

		clock, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("%w: clock", ErrTruncatedUpdate)
		}
		payload = payload[n:]

		stateLen, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, fmt.Errorf("%w: state length", ErrTruncatedUpdate)
		}
		payload = payload[n:]

		if uint64(len(payload)) < stateLen {
			return nil, fmt.Errorf("%w: state bytes", ErrTruncatedUpdate)
		}
		var state json.RawMessage
		if stateLen > 0 {
			state = append(json.RawMessage(nil), payload[:stateLen]...)
		}
		payload = payload[stateLen:]

		entries = append(entries, entry{
			clientID: clientID,
			clock:    uint32(clock),
			state:    state,
		})
	}
	return entries, nil
}
