// Package notestore resolves a note's initial text content for the
// realtime gateway, bridging the CRDT document world to this codebase's
// existing note storage (internal/notes), which persists notes as opaque
// JSON payloads rather than CRDT documents.
package notestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/m3nu/hedgedoc/internal/notes"
)

const opResolveContent = "notestore.resolve_content"

// ErrMissingDatabase indicates the service was constructed without a
// database handle.
var ErrMissingDatabase = errors.New("notestore: database handle is required")

// noteBody is the shape this package expects inside Note.PayloadJSON when a
// body field is present. Notes created outside the realtime core may not
// carry it, in which case an empty document is seeded.
type noteBody struct {
	Content string `json:"content"`
}

// Service implements gateway.NoteContentLoader against the notes table.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// ServiceConfig describes the dependencies required to construct a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewService constructs a notestore.Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Content resolves the seed text for a bare note ID. The argument is matched
// whole against note_id, so a "user:note" form is not split; when several
// users hold a row with that note ID, the most recently updated row is used.
// A note with no existing row, or a deleted one, is seeded with an empty
// document. The realtime core never creates a notes row: notepersist stores
// snapshots only for notes that already have an owner row.
func (s *Service) Content(ctx context.Context, noteID string) (string, error) {
	var note notes.Note
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("updated_at_s DESC").
		First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logger.Error("resolve note content failed", zap.String("note_id", noteID), zap.Error(err))
		return "", fmt.Errorf("%s: %w", opResolveContent, err)
	}
	if note.IsDeleted {
		return "", nil
	}

	var body noteBody
	if err := json.Unmarshal([]byte(note.PayloadJSON), &body); err != nil {
		// A payload this core did not write (e.g. authored through the
		// plain REST note API) is not JSON shaped like noteBody; treat its
		// raw payload as the literal document text instead of failing the
		// whole connection.
		return note.PayloadJSON, nil
	}
	return body.Content, nil
}

// Resolve validates a connect URL path and returns the canonical note
// identifier it names. The realtime gateway mounts at GET
// /realtime/*notePath, so the URL path IS the note identifier for this
// core; there is no separate slug or short-link table to consult. It is
// still run through NoteID's own validation, so a malformed or oversized
// path is rejected here rather than silently becoming a brand new note.
func (s *Service) Resolve(ctx context.Context, urlPath string) (string, error) {
	noteID, err := notes.NewNoteID(urlPath)
	if err != nil {
		return "", err
	}
	return noteID.String(), nil
}

const opResolveOwner = "notestore.resolve_owner"

// OwnerOf resolves the user ID of the most recently updated row for
// noteID, or "" if the note has no row yet (nothing authored through the
// REST API, or a realtime-only note nobody has persisted a snapshot for).
// Used to attribute a realtime session's work to a user: the CRDT update
// log in internal/notes is scoped by (user_id, note_id), and REST clients
// subscribing to change notifications key off user_id, not note_id.
func (s *Service) OwnerOf(ctx context.Context, noteID string) (string, error) {
	var note notes.Note
	err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("updated_at_s DESC").
		First(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logger.Error("resolve note owner failed", zap.String("note_id", noteID), zap.Error(err))
		return "", fmt.Errorf("%s: %w", opResolveOwner, err)
	}
	return note.UserID, nil
}
