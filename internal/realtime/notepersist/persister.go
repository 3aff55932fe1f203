// Package notepersist is the reference implementation of the realtime
// gateway's optional before-destroy persister. Rather than a bespoke table
// of its own, it reuses internal/notes' CRDT update/snapshot log: the same
// content-hash-deduplicated, per-(user, note) versioned store the REST sync
// path writes to, so a note opened through the realtime core and one
// synced through the plain JSON API converge on the same durable history
// instead of two parallel ones. Wiring a persister at all is optional per
// the gateway's design (spec.md §9); a deployment that wants no
// persistence at all can construct the registry with a nil Persister.
package notepersist

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/m3nu/hedgedoc/internal/notes"
)

// OwnerLookup resolves the user that owns a note. The CRDT update/snapshot
// log in internal/notes is scoped by (user_id, note_id), but a realtime
// session only ever knows the note_id half of that key, so every
// persist/load call must resolve the owner first.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, noteID string) (string, error)
}

// Persister implements gateway.Persister by applying the note's converged
// text as a CRDT snapshot via notes.Service.
type Persister struct {
	notes  *notes.Service
	owners OwnerLookup
	clock  func() time.Time
	logger *zap.Logger
}

// Config describes the dependencies required to construct a Persister.
type Config struct {
	NotesService *notes.Service
	Owners       OwnerLookup
	Clock        func() time.Time
	Logger       *zap.Logger
}

// New constructs a Persister.
func New(cfg Config) (*Persister, error) {
	if cfg.NotesService == nil {
		return nil, fmt.Errorf("notepersist: notes service is required")
	}
	if cfg.Owners == nil {
		return nil, fmt.Errorf("notepersist: owner lookup is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{notes: cfg.NotesService, owners: cfg.Owners, clock: clock, logger: logger}, nil
}

// PersistBeforeDestroy stores the note's final text as a CRDT snapshot. It
// is invoked synchronously from the session's destroy path (see
// internal/realtime/session.NoteSession.Destroy); a slow or failing
// persister delays teardown of that one note but never blocks other
// sessions, since each NoteSession is destroyed independently.
//
// A note nobody has ever synced through the REST API has no owner row yet;
// there is nothing to attribute a snapshot to, so this is a no-op rather
// than an error.
func (p *Persister) PersistBeforeDestroy(noteID string, content string) error {
	ctx := context.Background()
	ownerID, err := p.owners.OwnerOf(ctx, noteID)
	if err != nil {
		p.logger.Error("resolve note owner before persist failed", zap.String("note_id", noteID), zap.Error(err))
		return fmt.Errorf("notepersist: resolve owner for note %q: %w", noteID, err)
	}
	if ownerID == "" {
		return nil
	}

	envelope, err := buildSnapshotEnvelope(ownerID, noteID, content)
	if err != nil {
		return fmt.Errorf("notepersist: build snapshot envelope for note %q: %w", noteID, err)
	}

	if _, err := p.notes.ApplyCrdtUpdates(ctx, envelope.UserID(), []notes.CrdtUpdateEnvelope{envelope}); err != nil {
		p.logger.Error("persist note snapshot failed", zap.String("note_id", noteID), zap.Error(err))
		return fmt.Errorf("notepersist: persist snapshot for note %q: %w", noteID, err)
	}
	return nil
}

// buildSnapshotEnvelope wraps the converged text as both the update and the
// snapshot payload of a single envelope: this persister records one
// "final state" entry per teardown rather than an incremental diff log, so
// there is no earlier update for the snapshot to diverge from.
//
// SnapshotUpdateID is left at zero; ApplyCrdtUpdates clamps it to the
// freshly inserted update's own id when it would otherwise exceed it, so
// the snapshot always ends up covering the update it was submitted with.
func buildSnapshotEnvelope(ownerID, noteID, content string) (notes.CrdtUpdateEnvelope, error) {
	userID, err := notes.NewUserID(ownerID)
	if err != nil {
		return notes.CrdtUpdateEnvelope{}, err
	}
	domainNoteID, err := notes.NewNoteID(noteID)
	if err != nil {
		return notes.CrdtUpdateEnvelope{}, err
	}
	payload := base64.StdEncoding.EncodeToString([]byte(content))
	updateB64, err := notes.NewCrdtUpdateBase64(payload)
	if err != nil {
		return notes.CrdtUpdateEnvelope{}, err
	}
	snapshotB64, err := notes.NewCrdtSnapshotBase64(payload)
	if err != nil {
		return notes.CrdtUpdateEnvelope{}, err
	}
	return notes.NewCrdtUpdateEnvelope(notes.CrdtUpdateEnvelopeConfig{
		UserID:      userID,
		NoteID:      domainNoteID,
		UpdateB64:   updateB64,
		SnapshotB64: snapshotB64,
	})
}

// Load returns the last persisted text for a note, if any. Intended to be
// combined with notestore.Service behind a composite NoteContentLoader so a
// restarted process picks up where it left off even for notes this core
// created but the plain REST note API never touched.
func (p *Persister) Load(ctx context.Context, noteID string) (string, bool, error) {
	ownerID, err := p.owners.OwnerOf(ctx, noteID)
	if err != nil {
		return "", false, fmt.Errorf("notepersist: resolve owner for note %q: %w", noteID, err)
	}
	if ownerID == "" {
		return "", false, nil
	}
	userID, err := notes.NewUserID(ownerID)
	if err != nil {
		return "", false, fmt.Errorf("notepersist: invalid owner id for note %q: %w", noteID, err)
	}

	snapshots, err := p.notes.ListCrdtSnapshots(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("notepersist: load snapshots for note %q: %w", noteID, err)
	}
	for _, snapshot := range snapshots {
		if snapshot.NoteID().String() != noteID {
			continue
		}
		raw, decodeErr := base64.StdEncoding.DecodeString(snapshot.SnapshotB64().String())
		if decodeErr != nil {
			return "", false, fmt.Errorf("notepersist: decode snapshot for note %q: %w", noteID, decodeErr)
		}
		return string(raw), true, nil
	}
	return "", false, nil
}

// fallbackLoader is the minimal surface of notestore.Service this package
// needs; declared locally rather than imported to avoid a dependency from
// the persistence layer back to the note-store layer.
type fallbackLoader interface {
	Content(ctx context.Context, noteID string) (string, error)
}

// CompositeLoader implements gateway.NoteContentLoader: it prefers a
// previously persisted realtime snapshot (the most recent converged CRDT
// text) and falls back to fallback when no snapshot exists yet, e.g. the
// very first time a pre-existing REST-authored note is opened in the
// realtime core.
type CompositeLoader struct {
	persister *Persister
	fallback  fallbackLoader
}

// NewCompositeLoader constructs a CompositeLoader.
func NewCompositeLoader(persister *Persister, fallback fallbackLoader) *CompositeLoader {
	return &CompositeLoader{persister: persister, fallback: fallback}
}

// Content implements gateway.NoteContentLoader.
func (c *CompositeLoader) Content(ctx context.Context, noteID string) (string, error) {
	if content, ok, err := c.persister.Load(ctx, noteID); err != nil {
		return "", err
	} else if ok {
		return content, nil
	}
	return c.fallback.Content(ctx, noteID)
}
