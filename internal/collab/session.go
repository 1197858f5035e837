package collab

import (
	"sync"

	"github.com/MarcoPoloResearchLab/quire/internal/users"
)

const defaultSendBuffer = 64

// Session is one client connection. It owns a bounded outbound queue drained by
// the transport's writer and tracks the single document room it belongs to.
type Session struct {
	id        string
	principal users.Principal
	send      chan []byte

	sendMu sync.RWMutex
	closed bool

	mu           sync.Mutex
	documentID   string
	verdictEdit  bool
	cursorDocID  string
	cursorUserID string
}

func NewSession(id string, principal users.Principal, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Session{
		id:        id,
		principal: principal,
		send:      make(chan []byte, buffer),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Principal() users.Principal {
	return s.principal
}

// Outbound is the queue of encoded frames waiting to be written to the client.
// It is closed once the session closes.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Deliver enqueues frame without blocking. It reports false when the queue is
// full or the session is closed.
func (s *Session) Deliver(frame []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops delivery and closes the outbound queue. Safe to call repeatedly.
func (s *Session) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// DocumentID is the room the session currently belongs to, or empty.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) setDocument(documentID string) {
	s.mu.Lock()
	s.documentID = documentID
	s.mu.Unlock()
}

func (s *Session) clearDocument(documentID string) {
	s.mu.Lock()
	if s.documentID == documentID {
		s.documentID = ""
		s.verdictEdit = false
	}
	s.mu.Unlock()
}

func (s *Session) setEditable(documentID string, editable bool) {
	s.mu.Lock()
	if s.documentID == documentID {
		s.verdictEdit = editable
	}
	s.mu.Unlock()
}

// canEdit reports the edit verdict recorded when the session joined documentID.
func (s *Session) canEdit(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID == documentID && s.verdictEdit
}

func (s *Session) rememberCursor(documentID, userID string) {
	s.mu.Lock()
	s.cursorDocID = documentID
	s.cursorUserID = userID
	s.mu.Unlock()
}

// cursorFor returns the cursor identity remembered for documentID without clearing it.
func (s *Session) cursorFor(documentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursorUserID == "" || s.cursorDocID != documentID {
		return "", false
	}
	return s.cursorUserID, true
}

// forgetCursor returns and clears the cursor identity remembered for documentID.
func (s *Session) forgetCursor(documentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursorUserID == "" || s.cursorDocID != documentID {
		return "", false
	}
	userID := s.cursorUserID
	s.cursorDocID = ""
	s.cursorUserID = ""
	return userID, true
}
