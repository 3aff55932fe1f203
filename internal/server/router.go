package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/m3nu/hedgedoc/internal/auth"
	"github.com/m3nu/hedgedoc/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const authenticatedUserIDContextKey = "hedgedoc_authenticated_user_id"

// realtimeHeartbeatInterval bounds how long handleNotesStream lets an SSE
// connection sit idle before emitting a heartbeat event, so intermediate
// proxies and load balancers with their own idle timeouts don't drop it.
const realtimeHeartbeatInterval = 25 * time.Second

var (
	errMissingGoogleVerifier = errors.New("google verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingNotesService   = errors.New("notes service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, claims auth.GoogleClaims) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   BackendTokenManager
	NotesService   *notes.Service
	Logger         *zap.Logger

	// RealtimeUpgradeHandler, when set, is mounted at GET
	// /realtime/*notePath to serve the collaborative websocket upgrade.
	// Left nil, the route is never registered and this codebase behaves
	// exactly as the REST-only note sync API.
	RealtimeUpgradeHandler gin.HandlerFunc

	// Realtime, when set, is mounted at GET /notes/stream as a
	// Server-Sent Events feed and published to from handleNotesSync, so a
	// REST client can learn about changes accepted by other devices (or a
	// collaborative session ending) without polling. Left nil, the route
	// is never registered.
	Realtime *RealtimeDispatcher
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:     deps.GoogleVerifier,
		tokens:       deps.TokenManager,
		notesService: deps.NotesService,
		realtime:     deps.Realtime,
		logger:       logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes/sync", handler.handleNotesSync)

	if deps.RealtimeUpgradeHandler != nil {
		router.GET("/realtime/*notePath", deps.RealtimeUpgradeHandler)
	}

	if deps.Realtime != nil {
		router.GET("/notes/stream", handler.handleNotesStream)
	}

	return router, nil
}

type httpHandler struct {
	verifier     GoogleVerifier
	tokens       BackendTokenManager
	notesService *notes.Service
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	response := authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	}
	c.JSON(http.StatusOK, response)
}

type syncRequestPayload struct {
	Operations []syncOperationPayload `json:"operations"`
}

type syncOperationPayload struct {
	NoteID            string          `json:"note_id"`
	Operation         string          `json:"operation"`
	ClientEditSeq     int64           `json:"client_edit_seq"`
	ClientDevice      string          `json:"client_device"`
	ClientTimeSeconds int64           `json:"client_time_s"`
	CreatedAtSeconds  int64           `json:"created_at_s"`
	UpdatedAtSeconds  int64           `json:"updated_at_s"`
	Payload           json.RawMessage `json:"payload"`
}

type syncResponsePayload struct {
	Results []syncResultPayload `json:"results"`
}

type syncResultPayload struct {
	NoteID            string          `json:"note_id"`
	Accepted          bool            `json:"accepted"`
	Version           int64           `json:"version"`
	UpdatedAtSeconds  int64           `json:"updated_at_s"`
	LastWriterEditSeq int64           `json:"last_writer_edit_seq"`
	IsDeleted         bool            `json:"is_deleted"`
	Payload           json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleNotesSync(c *gin.Context) {
	userID := c.GetString(authenticatedUserIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	changes := make([]notes.ChangeRequest, 0, len(request.Operations))
	for _, op := range request.Operations {
		opType, err := parseOperation(op.Operation)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		payloadJSON := ""
		if len(op.Payload) > 0 {
			payloadJSON = string(op.Payload)
		}
		changes = append(changes, notes.ChangeRequest{
			UserID:            userID,
			NoteID:            op.NoteID,
			Operation:         opType,
			ClientEditSeq:     op.ClientEditSeq,
			ClientDevice:      op.ClientDevice,
			ClientTimeSeconds: op.ClientTimeSeconds,
			CreatedAtSeconds:  op.CreatedAtSeconds,
			UpdatedAtSeconds:  op.UpdatedAtSeconds,
			PayloadJSON:       payloadJSON,
		})
	}

	result, err := h.notesService.ApplyChanges(c.Request.Context(), userID, changes)
	if err != nil {
		h.logger.Error("failed to apply note changes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	response := syncResponsePayload{Results: make([]syncResultPayload, 0, len(result.ChangeOutcomes))}
	for _, outcome := range result.ChangeOutcomes {
		note := outcome.Outcome.UpdatedNote
		payload := json.RawMessage(nil)
		if note.PayloadJSON != "" {
			payload = json.RawMessage(note.PayloadJSON)
		}
		response.Results = append(response.Results, syncResultPayload{
			NoteID:            note.NoteID,
			Accepted:          outcome.Outcome.Accepted,
			Version:           note.Version,
			UpdatedAtSeconds:  note.UpdatedAtSeconds,
			LastWriterEditSeq: note.LastWriterEditSeq,
			IsDeleted:         note.IsDeleted,
			Payload:           payload,
		})
	}

	if h.realtime != nil {
		if noteIDs := collectAcceptedNoteIDs(result.ChangeOutcomes); len(noteIDs) > 0 {
			h.realtime.Publish(RealtimeMessage{
				UserID:    userID,
				EventType: RealtimeEventNoteChanged,
				NoteIDs:   noteIDs,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	c.JSON(http.StatusOK, response)
}

// collectAcceptedNoteIDs extracts the distinct, sorted note identifiers
// from the accepted outcomes of a sync call, suitable for a single
// RealtimeMessage.NoteIDs batch. Returns nil when nothing was accepted.
func collectAcceptedNoteIDs(outcomes []notes.ChangeOutcome) []string {
	seen := make(map[string]struct{}, len(outcomes))
	var noteIDs []string
	for _, outcome := range outcomes {
		if !outcome.Outcome.Accepted || outcome.Outcome.UpdatedNote == nil {
			continue
		}
		noteID := outcome.Outcome.UpdatedNote.NoteID
		if noteID == "" {
			continue
		}
		if _, ok := seen[noteID]; ok {
			continue
		}
		seen[noteID] = struct{}{}
		noteIDs = append(noteIDs, noteID)
	}
	sort.Strings(noteIDs)
	return noteIDs
}

// notesStreamEventPayload is the SSE data payload for a RealtimeEventNoteChanged event.
type notesStreamEventPayload struct {
	NoteIDs []string `json:"noteIds"`
}

// handleNotesStream serves a per-user Server-Sent Events feed of
// RealtimeMessage notifications, authenticated via an access_token query
// parameter rather than an Authorization header since EventSource clients
// cannot set custom request headers.
func (h *httpHandler) handleNotesStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("realtime stream token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	messages, cancel := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			c.Writer.Flush()
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(notesStreamEventPayload{NoteIDs: message.NoteIDs})
			if err != nil {
				h.logger.Error("failed to encode realtime stream payload", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, payload)
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(authenticatedUserIDContextKey, subject)
	c.Next()
}

func parseOperation(value string) (notes.OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(notes.OperationTypeUpsert):
		return notes.OperationTypeUpsert, nil
	case string(notes.OperationTypeDelete):
		return notes.OperationTypeDelete, nil
	default:
		return "", errors.New("unknown operation")
	}
}
