package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
)

type staticAccess struct {
	verdicts map[string]documents.Verdict
}

func (a staticAccess) Verdict(_ context.Context, documentID string, _ users.Principal) (documents.Verdict, error) {
	return a.verdicts[documentID], nil
}

type editCall struct {
	documentID string
	content    string
	actor      string
	origin     string
}

type recordingReconciler struct {
	mu       sync.Mutex
	edits    []editCall
	external []string
	primed   []string
	forgot   []string
}

func (r *recordingReconciler) Edit(documentID, content, actor, origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, editCall{documentID: documentID, content: content, actor: actor, origin: origin})
	return true
}

func (r *recordingReconciler) ApplyExternal(documentID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external = append(r.external, documentID+"|"+content)
}

func (r *recordingReconciler) Current(_ context.Context, documentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primed = append(r.primed, documentID)
	return "", nil
}

func (r *recordingReconciler) Forget(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgot = append(r.forgot, documentID)
}

func (r *recordingReconciler) editCalls() []editCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]editCall(nil), r.edits...)
}

func (r *recordingReconciler) externalCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.external...)
}

func newTestHub(t *testing.T, verdicts map[string]documents.Verdict, changes ChangeSource) (*Hub, *recordingReconciler) {
	t.Helper()
	reconciler := &recordingReconciler{}
	hub, err := NewHub(HubConfig{
		Access:     staticAccess{verdicts: verdicts},
		Changes:    changes,
		Reconciler: reconciler,
		InstanceID: "instance-a",
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(hub.Close)
	return hub, reconciler
}

func connect(hub *Hub, id string, principal users.Principal) *Session {
	session := NewSession(id, principal, 32)
	hub.Connect(session)
	return session
}

func send(t *testing.T, hub *Hub, session *Session, event string, data any) {
	t.Helper()
	frame, err := EncodeEvent(event, data)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", event, err)
	}
	hub.HandleFrame(context.Background(), session, frame)
}

func nextEvent(t *testing.T, session *Session) Envelope {
	t.Helper()
	select {
	case frame, ok := <-session.Outbound():
		if !ok {
			t.Fatalf("session %s closed while waiting for an event", session.ID())
		}
		envelope, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("failed to decode frame %s: %v", frame, err)
		}
		return envelope
	case <-time.After(time.Second):
		t.Fatalf("session %s received no event", session.ID())
	}
	return Envelope{}
}

func expectEvent(t *testing.T, session *Session, event string) Envelope {
	t.Helper()
	envelope := nextEvent(t, session)
	if envelope.Event != event {
		t.Fatalf("session %s: expected %s, got %s (%s)", session.ID(), event, envelope.Event, envelope.Data)
	}
	return envelope
}

func expectSilence(t *testing.T, session *Session) {
	t.Helper()
	select {
	case frame, ok := <-session.Outbound():
		if ok {
			t.Fatalf("session %s: expected no event, got %s", session.ID(), frame)
		}
	case <-time.After(30 * time.Millisecond):
	}
}

func decodeData(t *testing.T, envelope Envelope, target any) {
	t.Helper()
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("failed to decode %s payload: %v", envelope.Event, err)
	}
}
