package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/feed"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/MarcoPoloResearchLab/quire/internal/persist"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// tokenValidator maps bearer tokens onto fixed claims.
type tokenValidator struct {
	claims map[string]auth.SessionClaims
}

func (v tokenValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	claims, ok := v.claims[strings.TrimPrefix(header, "Bearer ")]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return claims, nil
}

func claimsFor(userID, email, name string) auth.SessionClaims {
	claims := auth.SessionClaims{UserID: userID, UserEmail: email, UserDisplayName: name}
	claims.Subject = userID
	return claims
}

type serverFixture struct {
	handler    http.Handler
	store      *documents.Store
	reconciler *persist.Reconciler
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	return newServerFixtureWithValidator(t, tokenValidator{claims: map[string]auth.SessionClaims{
		"ada-token": claimsFor("ada", "ada@example.com", "Ada"),
		"bob-token": claimsFor("bob", "bob@example.com", "Bob"),
	}})
}

func newServerFixtureWithValidator(t *testing.T, validator SessionValidator) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "quire.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	ids := documents.NewUUIDProvider()
	changeFeed := feed.NewMemoryFeed()
	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		Feed:       changeFeed,
		InstanceID: "instance-test",
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	var hub *collab.Hub
	reconciler, err := persist.NewReconciler(persist.Config{
		Store:       store,
		Debounce:    20 * time.Millisecond,
		MinInterval: 0,
		OnFailure: func(failure persist.WriteFailure) {
			hub.ReportWriteFailure(failure.DocumentID, failure.Origin, failure.Err)
		},
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	hub, err = collab.NewHub(collab.HubConfig{
		Access:     store,
		Changes:    store,
		Reconciler: reconciler,
		InstanceID: "instance-test",
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	notifications, err := notify.NewService(notify.ServiceConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to build notifications: %v", err)
	}
	commentService, err := comments.NewService(comments.ServiceConfig{
		Database:    db,
		Documents:   store,
		Content:     reconciler,
		Broadcaster: hub,
		Notifier:    notifications,
		IDProvider:  ids,
	})
	if err != nil {
		t.Fatalf("failed to build comments: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Documents:        store,
		Content:          reconciler,
		Comments:         commentService,
		Notifications:    notifications,
		Hub:              hub,
		IDProvider:       ids,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	t.Cleanup(func() {
		hub.Close()
		reconciler.Close()
		_ = changeFeed.Close()
	})
	return serverFixture{handler: handler, store: store, reconciler: reconciler}
}

func (f serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f serverFixture) createDocument(t *testing.T, payload createDocumentPayload) documentPayload {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/documents", "ada-token", payload)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected document to be created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created documentPayload
	decodeBody(t, recorder, &created)
	return created
}

func (f serverFixture) waitForStoredContent(t *testing.T, documentID, expected string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snapshot, err := f.store.Read(context.Background(), documentID)
		if err == nil && snapshot.Content == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored content never became %q (last %q, err %v)", expected, snapshot.Content, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
	}
}
