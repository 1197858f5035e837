package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/feed"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
)

const (
	messageMalformedEvent    = "malformed event"
	messageUnknownEvent      = "unknown event"
	messageInvalidDocument   = "invalid document id"
	messageAccessDenied      = "access denied"
	messageAccessCheckFailed = "access check failed"
	messageNotJoined         = "session has not joined this document"
	messageReadOnly          = "document is read-only for this session"
	messageInvalidCursor     = "invalid cursor range"
	messagePersistenceFailed = "your latest changes have not been saved yet; they will be retried with your next edit"
)

var (
	errMissingAccess     = errors.New("collab: access checker is required")
	errMissingReconciler = errors.New("collab: reconciler is required")
)

// AccessChecker decides what a principal may do with a document.
type AccessChecker interface {
	Verdict(ctx context.Context, documentID string, principal users.Principal) (documents.Verdict, error)
}

// ChangeSource streams content accepted by storage, from every instance.
type ChangeSource interface {
	Subscribe(ctx context.Context, documentID string) (<-chan feed.Change, func(), error)
}

// ContentReconciler receives local edits and externally sourced content.
type ContentReconciler interface {
	Edit(documentID, content, actor, origin string) bool
	ApplyExternal(documentID, content string)
	Current(ctx context.Context, documentID string) (string, error)
	Forget(documentID string)
}

type HubConfig struct {
	Access     AccessChecker
	Changes    ChangeSource
	Reconciler ContentReconciler
	InstanceID string
	Logger     *zap.Logger
}

// Hub routes realtime events between sessions, rooms, presence, and persistence.
type Hub struct {
	registry   *Registry
	relay      *Relay
	presence   *Presence
	access     AccessChecker
	changes    ChangeSource
	reconciler ContentReconciler
	instanceID string
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	feedsMu sync.Mutex
	feeds   map[string]*documentFeed
}

// documentFeed holds the change subscription of one document. Subscribe runs
// under its lock, never under feedsMu.
type documentFeed struct {
	mu      sync.Mutex
	stop    func()
	retired bool
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewRegistry(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		relay:      NewRelay(registry),
		presence:   NewPresence(registry),
		access:     cfg.Access,
		changes:    cfg.Changes,
		reconciler: cfg.Reconciler,
		instanceID: cfg.InstanceID,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
		feeds:      make(map[string]*documentFeed),
	}, nil
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) Presence() *Presence {
	return h.presence
}

// Connect makes session addressable for persistence warnings.
func (h *Hub) Connect(session *Session) {
	h.sessionsMu.Lock()
	h.sessions[session.ID()] = session
	h.sessionsMu.Unlock()
}

// Disconnect tears session down: it leaves its room, its remembered cursor is
// withdrawn, and its outbound queue is closed.
func (h *Hub) Disconnect(session *Session) {
	h.sessionsMu.Lock()
	delete(h.sessions, session.ID())
	h.sessionsMu.Unlock()

	if documentID := session.DocumentID(); documentID != "" {
		result := h.registry.Leave(session, documentID)
		if userID, ok := session.forgetCursor(documentID); ok {
			h.withdrawCursor(session, documentID, userID)
		}
		if result.Empty {
			h.release(documentID)
		}
	}
	session.Close()
}

// HandleFrame processes one inbound frame from session.
func (h *Hub) HandleFrame(ctx context.Context, session *Session, frame []byte) {
	envelope, err := DecodeEnvelope(frame)
	if err != nil {
		h.reject(session, "", messageMalformedEvent)
		return
	}

	switch envelope.Event {
	case EventJoinDoc:
		documentID, ok := decodeDocumentID(envelope.Data)
		if !ok {
			h.reject(session, envelope.Event, messageMalformedEvent)
			return
		}
		h.join(ctx, session, documentID)
	case EventLeaveDoc:
		documentID, ok := decodeDocumentID(envelope.Data)
		if !ok {
			h.reject(session, envelope.Event, messageMalformedEvent)
			return
		}
		h.leave(session, documentID)
	case EventSendChanges:
		var change ContentChange
		if err := json.Unmarshal(envelope.Data, &change); err != nil {
			h.reject(session, envelope.Event, messageMalformedEvent)
			return
		}
		h.sendChanges(session, change)
	case EventCursorUpdate:
		var cursor CursorState
		if err := json.Unmarshal(envelope.Data, &cursor); err != nil {
			h.reject(session, envelope.Event, messageMalformedEvent)
			return
		}
		h.updateCursor(session, cursor)
	default:
		h.reject(session, envelope.Event, messageUnknownEvent)
	}
}

func (h *Hub) join(ctx context.Context, session *Session, rawDocumentID string) {
	documentID, err := documents.NewDocumentID(rawDocumentID)
	if err != nil {
		h.reject(session, EventJoinDoc, messageInvalidDocument)
		return
	}
	id := documentID.String()

	verdict, err := h.access.Verdict(ctx, id, session.Principal())
	if err != nil {
		h.logger.Warn("access check failed",
			zap.String("document_id", id),
			zap.String("session_id", session.ID()),
			zap.Error(err))
		h.reject(session, EventJoinDoc, messageAccessCheckFailed)
		return
	}
	if !verdict.CanView() {
		h.reject(session, EventJoinDoc, messageAccessDenied)
		return
	}

	if previous := session.DocumentID(); previous != "" && previous != id {
		h.leave(session, previous)
	}
	result := h.registry.Join(session, id)
	session.setEditable(id, verdict.CanEdit())
	h.watch(id)

	if result.FirstMember {
		if _, err := h.reconciler.Current(ctx, id); err != nil {
			h.logger.Warn("content prime failed", zap.String("document_id", id), zap.Error(err))
		}
	}

	own := session.Principal().UserID
	for _, cursor := range h.presence.Cursors(id) {
		if own != "" && cursor.UserID == own {
			continue
		}
		h.deliver(session, EventRemoteCursorUpdate, cursor)
	}

	h.logger.Debug("session joined document",
		zap.String("document_id", id),
		zap.String("session_id", session.ID()),
		zap.String("verdict", verdict.String()),
		zap.Bool("new_member", result.Joined))
}

func (h *Hub) leave(session *Session, documentID string) {
	result := h.registry.Leave(session, documentID)
	if !result.Removed {
		return
	}
	userID, ok := session.forgetCursor(documentID)
	if !ok {
		userID = h.cursorIdentity(session)
	}
	h.withdrawCursor(session, documentID, userID)
	if result.Empty {
		h.release(documentID)
	}
}

func (h *Hub) sendChanges(session *Session, change ContentChange) {
	if change.DocumentID == "" {
		change.DocumentID = session.DocumentID()
	}
	if change.DocumentID == "" || !h.registry.IsMember(session, change.DocumentID) {
		h.reject(session, EventSendChanges, messageNotJoined)
		return
	}
	if !session.canEdit(change.DocumentID) {
		h.reject(session, EventSendChanges, messageReadOnly)
		return
	}

	principal := session.Principal()
	if !principal.Anonymous() {
		change.SenderID = principal.UserID
	} else if change.SenderID == "" {
		change.SenderID = session.ID()
	}

	h.relay.BroadcastContentChange(session, change)
	h.reconciler.Edit(change.DocumentID, change.Delta, change.SenderID, session.ID())
}

func (h *Hub) updateCursor(session *Session, cursor CursorState) {
	if cursor.DocumentID == "" {
		cursor.DocumentID = session.DocumentID()
	}
	if cursor.DocumentID == "" || !h.registry.IsMember(session, cursor.DocumentID) {
		h.reject(session, EventCursorUpdate, messageNotJoined)
		return
	}
	if cursor.From < 0 || cursor.To < 0 {
		h.reject(session, EventCursorUpdate, messageInvalidCursor)
		return
	}

	principal := session.Principal()
	if !principal.Anonymous() {
		cursor.UserID = principal.UserID
		if cursor.Name == "" {
			cursor.Name = principal.Label()
		}
	} else if cursor.UserID == "" {
		cursor.UserID = session.ID()
	}
	h.presence.UpdateCursor(session, cursor)
}

// BroadcastContent sends server-produced content, such as a comment mark, to
// every member of the room.
func (h *Hub) BroadcastContent(documentID, content, senderID string) int {
	return h.registry.Broadcast(documentID, nil, EventReceiveChanges, ContentChange{
		DocumentID: documentID,
		Delta:      content,
		SenderID:   senderID,
	})
}

// ReportWriteFailure warns the session whose content could not be stored.
func (h *Hub) ReportWriteFailure(documentID, sessionID string, cause error) {
	h.sessionsMu.RLock()
	session := h.sessions[sessionID]
	h.sessionsMu.RUnlock()
	if session == nil {
		h.logger.Info("write failure for departed session",
			zap.String("document_id", documentID),
			zap.String("session_id", sessionID),
			zap.Error(cause))
		return
	}
	h.deliver(session, EventPersistenceWarning, PersistenceWarning{
		DocumentID: documentID,
		Message:    messagePersistenceFailed,
	})
}

// Close stops every change subscription.
func (h *Hub) Close() {
	h.cancel()
	h.feedsMu.Lock()
	entries := make([]*documentFeed, 0, len(h.feeds))
	for documentID, entry := range h.feeds {
		entries = append(entries, entry)
		delete(h.feeds, documentID)
	}
	h.feedsMu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.stop != nil {
			entry.stop()
			entry.stop = nil
		}
		entry.retired = true
		entry.mu.Unlock()
	}
}

func (h *Hub) feedFor(documentID string, create bool) *documentFeed {
	h.feedsMu.Lock()
	defer h.feedsMu.Unlock()
	entry, ok := h.feeds[documentID]
	if !ok && create {
		entry = &documentFeed{}
		h.feeds[documentID] = entry
	}
	return entry
}

func (h *Hub) watch(documentID string) {
	if h.changes == nil || h.ctx.Err() != nil {
		return
	}
	for {
		entry := h.feedFor(documentID, true)
		entry.mu.Lock()
		if entry.retired {
			entry.mu.Unlock()
			if h.ctx.Err() != nil {
				return
			}
			continue
		}
		if entry.stop == nil {
			h.subscribeLocked(documentID, entry)
		}
		entry.mu.Unlock()
		return
	}
}

func (h *Hub) subscribeLocked(documentID string, entry *documentFeed) {
	ctx, cancel := context.WithCancel(h.ctx)
	stream, unsubscribe, err := h.changes.Subscribe(ctx, documentID)
	if err != nil {
		cancel()
		h.logger.Warn("change subscription failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	entry.stop = func() {
		cancel()
		unsubscribe()
	}
	go h.forward(ctx, documentID, stream)
}

// release stops the change subscription of a room that has no members left.
func (h *Hub) release(documentID string) {
	entry := h.feedFor(documentID, false)
	if entry == nil {
		if len(h.registry.Members(documentID)) == 0 {
			h.reconciler.Forget(documentID)
		}
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.retired || len(h.registry.Members(documentID)) > 0 {
		return
	}
	if entry.stop != nil {
		entry.stop()
		entry.stop = nil
	}
	entry.retired = true
	h.feedsMu.Lock()
	if h.feeds[documentID] == entry {
		delete(h.feeds, documentID)
	}
	h.feedsMu.Unlock()
	h.reconciler.Forget(documentID)
}

func (h *Hub) forward(ctx context.Context, documentID string, stream <-chan feed.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-stream:
			if !ok {
				return
			}
			if change.Origin == h.instanceID {
				continue
			}
			h.reconciler.ApplyExternal(documentID, change.Content)
			h.registry.Broadcast(documentID, nil, EventReceiveChanges, ContentChange{
				DocumentID: documentID,
				Delta:      change.Content,
				SenderID:   change.LastUpdatedBy,
			})
		}
	}
}

// withdrawCursor removes the cursor of userID unless another session of the same
// user is still in the room and publishing it.
func (h *Hub) withdrawCursor(session *Session, documentID, userID string) {
	for _, member := range h.registry.Members(documentID) {
		if member.ID() == session.ID() {
			continue
		}
		if other, ok := member.cursorFor(documentID); ok && other == userID {
			return
		}
	}
	h.presence.RemoveCursor(session, documentID, userID)
}

func (h *Hub) cursorIdentity(session *Session) string {
	if userID := session.Principal().UserID; userID != "" {
		return userID
	}
	return session.ID()
}

func (h *Hub) deliver(session *Session, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		h.logger.Error("event encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	if !session.Deliver(frame) {
		h.logger.Warn("dropped event for slow session",
			zap.String("session_id", session.ID()),
			zap.String("event", event))
	}
}

func (h *Hub) reject(session *Session, event, message string) {
	h.deliver(session, EventError, EventFailure{Event: event, Message: message})
}

// decodeDocumentID accepts either a bare string or {"docId": "..."}.
func decodeDocumentID(data json.RawMessage) (string, bool) {
	var documentID string
	if err := json.Unmarshal(data, &documentID); err == nil {
		return documentID, true
	}
	var wrapped struct {
		DocumentID string `json:"docId"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", false
	}
	return wrapped.DocumentID, true
}
