package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tauth"
)

func mustMintSessionToken(testContext *testing.T, userID, email string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    userID,
		UserEmail: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(sessionSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func TestSessionCookieAndQueryTokenAuthenticateCallers(testContext *testing.T) {
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	fixture := newServerFixtureWithValidator(testContext, sessionValidator)
	testServer := httptest.NewServer(fixture.handler)
	defer testServer.Close()

	sessionToken := mustMintSessionToken(testContext, "google:carol", "carol@example.com", time.Now())
	sessionCookie := &http.Cookie{Name: sessionCookieName, Value: sessionToken}

	body, _ := json.Marshal(createDocumentPayload{DocumentID: "doc-session", Content: "<p>start</p>"})
	createRequest, _ := http.NewRequest(http.MethodPost, testServer.URL+"/documents", bytes.NewReader(body))
	createRequest.AddCookie(sessionCookie)
	createRequest.Header.Set("Content-Type", "application/json")
	createResponse, err := http.DefaultClient.Do(createRequest)
	if err != nil {
		testContext.Fatalf("create request failed: %v", err)
	}
	defer createResponse.Body.Close()
	if createResponse.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", createResponse.StatusCode)
	}
	var created documentPayload
	if err := json.NewDecoder(createResponse.Body).Decode(&created); err != nil {
		testContext.Fatalf("failed to decode create response: %v", err)
	}
	if created.OwnerID != "carol" {
		testContext.Fatalf("expected provider prefix to be stripped from the owner id, got %q", created.OwnerID)
	}

	url := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws?access_token=" + sessionToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial websocket with query token: %v", err)
	}
	defer conn.Close()

	emit(testContext, conn, collab.EventJoinDoc, "doc-session")
	settle(testContext, conn)
	emit(testContext, conn, collab.EventSendChanges, collab.ContentChange{DocumentID: "doc-session", Delta: "<p>saved</p>"})
	fixture.waitForStoredContent(testContext, "doc-session", "<p>saved</p>")

	snapshot, err := fixture.store.Read(createRequest.Context(), "doc-session")
	if err != nil {
		testContext.Fatalf("failed to read snapshot: %v", err)
	}
	if snapshot.LastUpdatedBy != "carol" {
		testContext.Fatalf("expected the authenticated user as last writer, got %q", snapshot.LastUpdatedBy)
	}

	expiredToken := mustMintSessionToken(testContext, "google:carol", "carol@example.com", time.Now().Add(-3*time.Hour))
	expiredRequest, _ := http.NewRequest(http.MethodGet, testServer.URL+"/documents/doc-session", nil)
	expiredRequest.AddCookie(&http.Cookie{Name: sessionCookieName, Value: expiredToken})
	expiredResponse, err := http.DefaultClient.Do(expiredRequest)
	if err != nil {
		testContext.Fatalf("expired request failed: %v", err)
	}
	defer expiredResponse.Body.Close()
	if expiredResponse.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected expired session to be refused, got %d", expiredResponse.StatusCode)
	}
}
