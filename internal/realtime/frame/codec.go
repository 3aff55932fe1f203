// Package frame implements the varuint-tagged binary framing wrapping CRDT
// sync and awareness payloads on the realtime websocket wire.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the varuint tag identifying a frame's payload kind.
type MessageType uint64

const (
	// TypeSync carries a CRDT sync-protocol message (step-1, step-2, or update).
	TypeSync MessageType = 0
	// TypeAwareness carries a varuint-length-prefixed awareness update payload.
	TypeAwareness MessageType = 1
	// TypeHedgedoc and anything numerically above it is reserved for
	// server-to-client notifications. Inbound frames of this type are
	// accepted and silently ignored by this core.
	TypeHedgedoc MessageType = 2
)

// ErrMalformedVaruint indicates the leading message-type tag could not be
// decoded as a varuint.
var ErrMalformedVaruint = errors.New("frame: malformed varuint message type")

// ErrTruncatedPayload indicates fewer bytes remained than the frame's
// encoding requires.
var ErrTruncatedPayload = errors.New("frame: truncated payload")

// Error wraps a frame decode failure: Reason is one of the package's
// sentinel errors and Detail, when set, describes the failure.
type Error struct {
	Reason error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason.Error(), e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

// Encode concatenates the varuint message-type tag with the payload.
func Encode(messageType MessageType, payload []byte) []byte {
	tag := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tag, uint64(messageType))
	out := make([]byte, 0, n+len(payload))
	out = append(out, tag[:n]...)
	out = append(out, payload...)
	return out
}

// Decode reads the leading varuint message-type tag and returns it alongside
// the remaining payload bytes. It does not interpret the payload; callers
// hand it to the type-specific consumer (DocumentReplica or
// AwarenessReplica).
func Decode(raw []byte) (MessageType, []byte, error) {
	messageType, n := binary.Uvarint(raw)
	if n == 0 {
		return 0, nil, &Error{Reason: ErrTruncatedPayload, Detail: "empty frame"}
	}
	if n < 0 {
		return 0, nil, &Error{Reason: ErrMalformedVaruint}
	}
	return MessageType(messageType), raw[n:], nil
}
