package collab

import (
	"encoding/json"
	"errors"
)

// Inbound events.
const (
	EventJoinDoc      = "join-doc"
	EventLeaveDoc     = "leave-doc"
	EventSendChanges  = "send-changes"
	EventCursorUpdate = "cursor-update"
)

// Outbound events.
const (
	EventUserJoined         = "user-joined"
	EventUserLeft           = "user-left"
	EventReceiveChanges     = "receive-changes"
	EventRemoteCursorUpdate = "remote-cursor-update"
	EventRemoteCursorRemove = "remote-cursor-remove"
	EventPersistenceWarning = "persistence-warning"
	EventError              = "error"
)

var errMissingEvent = errors.New("collab: event name required")

// Envelope is the wire frame exchanged with clients: {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ContentChange carries the full serialized document content from one editor.
type ContentChange struct {
	DocumentID string `json:"docId"`
	Delta      string `json:"delta"`
	SenderID   string `json:"senderId"`
}

// CursorState is one user's selection inside a document.
type CursorState struct {
	DocumentID string `json:"docId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	From       int    `json:"from"`
	To         int    `json:"to"`
}

// CursorRemoval withdraws a user's cursor from a document.
type CursorRemoval struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"docId"`
}

// PersistenceWarning tells the editing session that its content was not saved yet.
type PersistenceWarning struct {
	DocumentID string `json:"docId"`
	Message    string `json:"message"`
}

// EventFailure rejects an inbound event.
type EventFailure struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// EncodeEvent builds a wire frame for event with payload data.
func EncodeEvent(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, errMissingEvent
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, err
	}
	if envelope.Event == "" {
		return Envelope{}, errMissingEvent
	}
	return envelope, nil
}
