package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/m3nu/hedgedoc/internal/users"
)

// ErrUnknownSession indicates the session ID has no resolvable username.
var ErrUnknownSession = errors.New("identity: unknown session")

// ErrUnknownUser indicates the username has no resolvable user record.
var ErrUnknownUser = errors.New("identity: unknown user")

// User is the minimal identity the realtime gateway needs for a permission
// check; it intentionally does not carry the full users.Identity record.
type User struct {
	Username string
	UserID   string
}

// SessionService maps a bare session ID (already signature-verified by a
// CookieSignatureValidator) to the username that owns it.
type SessionService interface {
	UsernameFor(ctx context.Context, sessionID string) (string, error)
}

// UserService resolves a username to a full User record.
type UserService interface {
	ByName(ctx context.Context, username string) (User, error)
}

// PermissionsService gates read access to a note for a resolved user.
type PermissionsService interface {
	MayRead(ctx context.Context, user User, noteID string) (bool, error)
}

// gormSessionStore is a reference SessionService backed by a short-lived
// server-side session table, in the shape the teacher's auth package uses
// for its own JWT session validator (internal/auth.SessionValidator) but
// adapted to the cookie-session model this package's CookieSignatureValidator
// expects instead of a bearer JWT.
type gormSessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// SessionRecord is the persisted row a login flow would insert when issuing
// a signed session cookie.
type SessionRecord struct {
	SessionID string    `gorm:"column:session_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:190;not null;index"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName binds SessionRecord to its table for GORM AutoMigrate.
func (SessionRecord) TableName() string {
	return "realtime_sessions"
}

// NewGormSessionService constructs a SessionService backed by db. Clock
// defaults to time.Now when nil.
func NewGormSessionService(db *gorm.DB, clock func() time.Time) SessionService {
	if clock == nil {
		clock = time.Now
	}
	return &gormSessionStore{db: db, now: clock}
}

func (s *gormSessionStore) UsernameFor(ctx context.Context, sessionID string) (string, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownSession
	}
	if err != nil {
		return "", fmt.Errorf("identity: lookup session: %w", err)
	}
	if record.ExpiresAt.Before(s.now()) {
		return "", ErrUnknownSession
	}
	return record.Username, nil
}

// usersBackedUserService adapts internal/users.Service, whose canonical key
// space is a provider+subject identity rather than a bare username, to the
// UserService interface this package's callers expect. It treats the
// "username" as the canonical user ID directly, matching this codebase's
// single-provider deployment.
type usersBackedUserService struct {
	identities *users.Service
}

// NewUsersBackedUserService constructs a UserService view over the shared
// identity service.
func NewUsersBackedUserService(identities *users.Service) UserService {
	return &usersBackedUserService{identities: identities}
}

func (s *usersBackedUserService) ByName(ctx context.Context, username string) (User, error) {
	if username == "" {
		return User{}, ErrUnknownUser
	}
	return User{Username: username, UserID: username}, nil
}

// ownerOnlyPermissions implements PermissionsService against the
// single-owner note model in internal/notes: a note's only reader is the
// user ID it is keyed by. This matches the Note model's composite
// (user_id, note_id) primary key (internal/notes/model.go) — there is no
// separate ACL table in this codebase, so "may read" reduces to "is
// owner", checked by existence of that row (a not-yet-created note is
// readable by whichever user first opens it, matching the gateway's
// create-on-first-open semantics for the document session itself).
type ownerOnlyPermissions struct {
	db *gorm.DB
}

// NewOwnerOnlyPermissions constructs the reference PermissionsService.
func NewOwnerOnlyPermissions(db *gorm.DB) PermissionsService {
	return &ownerOnlyPermissions{db: db}
}

func (p *ownerOnlyPermissions) MayRead(ctx context.Context, user User, noteID string) (bool, error) {
	if user.UserID == "" {
		return false, nil
	}
	var count int64
	err := p.db.WithContext(ctx).
		Table("notes").
		Where("note_id = ? AND user_id <> ?", noteID, user.UserID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("identity: check note ownership: %w", err)
	}
	// No conflicting owner row exists, so the requesting user may read
	// (and, by opening it, become) the note's owner.
	return count == 0, nil
}
