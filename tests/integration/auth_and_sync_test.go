package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/m3nu/hedgedoc/internal/auth"
	"github.com/m3nu/hedgedoc/internal/notes"
	"github.com/m3nu/hedgedoc/internal/server"
)

const (
	authTestSigningSecret = "integration-secret"
	authTestGoogleSubject = "google-user-abc"
	authTestNoteID        = "note-1"
	jsonContentType       = "application/json"
)

// stubGoogleVerifier bypasses the real Google JWKS round trip so this test
// exercises the backend token issuance and note sync path without network
// access, mirroring the stub already used by realtime_integration_test.go.
type stubGoogleVerifier struct{}

func (stubGoogleVerifier) Verify(_ context.Context, idToken string) (auth.GoogleClaims, error) {
	if idToken != "valid-id-token" {
		return auth.GoogleClaims{}, errors.New("stub: invalid id token")
	}
	return auth.GoogleClaims{Subject: authTestGoogleSubject, Issuer: "https://accounts.google.com"}, nil
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:auth_and_sync?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.NoteChange{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(authTestSigningSecret),
		Issuer:        "hedgedoc-auth",
		Audience:      "hedgedoc-api",
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: stubGoogleVerifier{},
		TokenManager:   tokenIssuer,
		NotesService:   notesService,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	// Exchange a Google ID token for a backend-issued bearer token.
	authBody, _ := json.Marshal(map[string]string{"id_token": "valid-id-token"})
	authReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/auth/google", bytes.NewReader(authBody))
	authReq.Header.Set("Content-Type", jsonContentType)
	authResp, err := http.DefaultClient.Do(authReq)
	if err != nil {
		testContext.Fatalf("auth request failed: %v", err)
	}
	defer authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected auth status: %d", authResp.StatusCode)
	}
	var authResult struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(authResp.Body).Decode(&authResult); err != nil {
		testContext.Fatalf("failed to decode auth response: %v", err)
	}
	if authResult.AccessToken == "" {
		testContext.Fatal("expected a non-empty access token")
	}

	// A bad Google ID token must be rejected before any backend token is issued.
	rejectedBody, _ := json.Marshal(map[string]string{"id_token": "not-the-right-token"})
	rejectedReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/auth/google", bytes.NewReader(rejectedBody))
	rejectedReq.Header.Set("Content-Type", jsonContentType)
	rejectedResp, err := http.DefaultClient.Do(rejectedReq)
	if err != nil {
		testContext.Fatalf("rejected auth request failed: %v", err)
	}
	defer rejectedResp.Body.Close()
	if rejectedResp.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized for a bad id token, got %d", rejectedResp.StatusCode)
	}

	// Sync a note using the freshly issued bearer token.
	syncPayload := map[string]any{
		"operations": []map[string]any{
			{
				"note_id":         authTestNoteID,
				"operation":       "upsert",
				"client_edit_seq": 1,
				"client_time_s":   1700000000,
				"created_at_s":    1700000000,
				"updated_at_s":    1700000000,
				"payload": map[string]any{
					"noteId":          authTestNoteID,
					"markdownText":    "hello world",
					"createdAtIso":    "2023-01-01T00:00:00Z",
					"updatedAtIso":    "2023-01-01T00:00:00Z",
					"lastActivityIso": "2023-01-01T00:00:00Z",
				},
			},
		},
	}
	syncBody, _ := json.Marshal(syncPayload)
	syncReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/notes/sync", bytes.NewReader(syncBody))
	syncReq.Header.Set("Authorization", "Bearer "+authResult.AccessToken)
	syncReq.Header.Set("Content-Type", jsonContentType)
	syncResp, err := http.DefaultClient.Do(syncReq)
	if err != nil {
		testContext.Fatalf("sync request failed: %v", err)
	}
	defer syncResp.Body.Close()
	if syncResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected sync status: %d", syncResp.StatusCode)
	}
	var syncResult struct {
		Results []struct {
			NoteID   string `json:"note_id"`
			Accepted bool   `json:"accepted"`
		} `json:"results"`
	}
	if err := json.NewDecoder(syncResp.Body).Decode(&syncResult); err != nil {
		testContext.Fatalf("failed to decode sync response: %v", err)
	}
	if len(syncResult.Results) != 1 || !syncResult.Results[0].Accepted || syncResult.Results[0].NoteID != authTestNoteID {
		testContext.Fatalf("expected accepted result, got %#v", syncResult.Results)
	}

	// A sync call without a bearer token must be rejected.
	anonReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/notes/sync", bytes.NewReader(syncBody))
	anonReq.Header.Set("Content-Type", jsonContentType)
	anonResp, err := http.DefaultClient.Do(anonReq)
	if err != nil {
		testContext.Fatalf("anonymous sync request failed: %v", err)
	}
	defer anonResp.Body.Close()
	if anonResp.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized for an anonymous sync, got %d", anonResp.StatusCode)
	}
}
