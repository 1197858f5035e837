package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/collab"
	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("failed to dial websocket (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := collab.EncodeEvent(event, data)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("failed to write %s: %v", event, err)
	}
}

func receive(t *testing.T, conn *websocket.Conn, event string) collab.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected %s, read failed: %v", event, err)
	}
	envelope, err := collab.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	if envelope.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, envelope.Event, envelope.Data)
	}
	return envelope
}

// settle waits until every frame conn sent so far has been handled: frames of one
// connection are processed in order and an unknown event is answered with an error.
func settle(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	emit(t, conn, "barrier", nil)
	receive(t, conn, collab.EventError)
}

func TestWebSocketSessionsCollaborateOnPublicDocument(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createDocument(t, createDocumentPayload{
		DocumentID:      "doc-1",
		Content:         "<p></p>",
		AnyoneCanAccess: true,
		AnyoneCanEdit:   true,
	})
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ada := dialSession(t, server, "ada-token")
	guest := dialSession(t, server, "")

	emit(t, ada, collab.EventJoinDoc, "doc-1")
	settle(t, ada)
	emit(t, guest, collab.EventJoinDoc, "doc-1")
	receive(t, ada, collab.EventUserJoined)

	emit(t, ada, collab.EventSendChanges, collab.ContentChange{DocumentID: "doc-1", Delta: "<p>hi</p>", SenderID: "spoofed"})
	var change collab.ContentChange
	if err := json.Unmarshal(receive(t, guest, collab.EventReceiveChanges).Data, &change); err != nil {
		t.Fatalf("failed to decode change: %v", err)
	}
	if change.Delta != "<p>hi</p>" || change.SenderID != "ada" {
		t.Fatalf("expected authenticated sender id on relayed change, got %+v", change)
	}
	fixture.waitForStoredContent(t, "doc-1", "<p>hi</p>")

	emit(t, ada, collab.EventCursorUpdate, collab.CursorState{DocumentID: "doc-1", From: 1, To: 3})
	var cursor collab.CursorState
	if err := json.Unmarshal(receive(t, guest, collab.EventRemoteCursorUpdate).Data, &cursor); err != nil {
		t.Fatalf("failed to decode cursor: %v", err)
	}
	if cursor.UserID != "ada" || cursor.Name != "Ada" || cursor.Color == "" {
		t.Fatalf("unexpected cursor %+v", cursor)
	}

	_ = ada.Close()
	receive(t, guest, collab.EventUserLeft)
	var removal collab.CursorRemoval
	if err := json.Unmarshal(receive(t, guest, collab.EventRemoteCursorRemove).Data, &removal); err != nil {
		t.Fatalf("failed to decode removal: %v", err)
	}
	if removal.UserID != "ada" || removal.DocumentID != "doc-1" {
		t.Fatalf("unexpected removal %+v", removal)
	}
}

func TestWebSocketRejectsJoinWithoutAccess(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createDocument(t, createDocumentPayload{DocumentID: "private", Content: "<p>secret</p>"})
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	bob := dialSession(t, server, "bob-token")
	emit(t, bob, collab.EventJoinDoc, "private")
	var failure collab.EventFailure
	if err := json.Unmarshal(receive(t, bob, collab.EventError).Data, &failure); err != nil {
		t.Fatalf("failed to decode failure: %v", err)
	}
	if failure.Event != collab.EventJoinDoc {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestWebSocketViewerCannotSendChanges(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.createDocument(t, createDocumentPayload{DocumentID: "doc-1", Content: "<p>v1</p>", AnyoneCanAccess: true})
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	guest := dialSession(t, server, "")
	emit(t, guest, collab.EventJoinDoc, "doc-1")
	emit(t, guest, collab.EventSendChanges, collab.ContentChange{DocumentID: "doc-1", Delta: "<p>vandalised</p>"})
	var failure collab.EventFailure
	if err := json.Unmarshal(receive(t, guest, collab.EventError).Data, &failure); err != nil {
		t.Fatalf("failed to decode failure: %v", err)
	}
	if failure.Event != collab.EventSendChanges {
		t.Fatalf("unexpected failure %+v", failure)
	}

	time.Sleep(60 * time.Millisecond)
	fixture.waitForStoredContent(t, "doc-1", "<p>v1</p>")
}

func TestWebSocketRefusesForgedToken(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, response, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer forged"}})
	if err == nil {
		t.Fatalf("expected the upgrade to be refused")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized response, got %+v", response)
	}
}
