package collab

import (
	"sync"

	"go.uber.org/zap"
)

type room struct {
	mu      sync.RWMutex
	members map[string]*Session
	retired bool
}

func (rm *room) snapshot() []*Session {
	members := make([]*Session, 0, len(rm.members))
	for _, member := range rm.members {
		members = append(members, member)
	}
	return members
}

// JoinResult describes the membership change made by Join.
type JoinResult struct {
	// Joined is false when the session was already a member of the room.
	Joined bool
	// FirstMember is true when the room had no members before the join.
	FirstMember bool
	// Previous is the room the session was moved out of, if any.
	Previous string
}

// LeaveResult describes the membership change made by Leave.
type LeaveResult struct {
	Removed bool
	Empty   bool
}

// Registry maps document ids to the sessions editing them. A session belongs to
// at most one room.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

func (r *Registry) roomFor(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		rm = &room{members: make(map[string]*Session)}
		r.rooms[documentID] = rm
	}
	return rm
}

func (r *Registry) lookup(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// Join adds session to the room of documentID, leaving any other room first.
// Peers receive user-joined only when the session was not already a member.
func (r *Registry) Join(session *Session, documentID string) JoinResult {
	result := JoinResult{}
	if previous := session.DocumentID(); previous != "" && previous != documentID {
		r.Leave(session, previous)
		result.Previous = previous
	}

	var peers []*Session
	for {
		rm := r.roomFor(documentID)
		rm.mu.Lock()
		if rm.retired {
			rm.mu.Unlock()
			continue
		}
		_, already := rm.members[session.ID()]
		result.Joined = !already
		result.FirstMember = len(rm.members) == 0
		rm.members[session.ID()] = session
		if result.Joined {
			peers = rm.snapshot()
		}
		rm.mu.Unlock()
		break
	}
	session.setDocument(documentID)

	if result.Joined {
		frame, err := EncodeEvent(EventUserJoined, session.ID())
		if err == nil {
			r.fanOut(documentID, peers, session, EventUserJoined, frame)
		}
	}
	return result
}

// Leave removes session from the room of documentID and tells the remaining
// members. Leaving a room the session is not in changes nothing.
func (r *Registry) Leave(session *Session, documentID string) LeaveResult {
	rm := r.lookup(documentID)
	if rm == nil {
		return LeaveResult{Empty: true}
	}

	rm.mu.Lock()
	if _, ok := rm.members[session.ID()]; !ok {
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		return LeaveResult{Empty: empty}
	}
	delete(rm.members, session.ID())
	remaining := rm.snapshot()
	rm.mu.Unlock()

	session.clearDocument(documentID)

	if len(remaining) == 0 {
		r.retire(documentID, rm)
		return LeaveResult{Removed: true, Empty: true}
	}

	frame, err := EncodeEvent(EventUserLeft, session.ID())
	if err == nil {
		r.fanOut(documentID, remaining, nil, EventUserLeft, frame)
	}
	return LeaveResult{Removed: true, Empty: false}
}

func (r *Registry) retire(documentID string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.retired || len(rm.members) > 0 {
		return
	}
	rm.retired = true
	if r.rooms[documentID] == rm {
		delete(r.rooms, documentID)
	}
}

// Members returns a copy of the sessions in the room of documentID.
func (r *Registry) Members(documentID string) []*Session {
	rm := r.lookup(documentID)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.snapshot()
}

// IsMember reports whether session is in the room of documentID.
func (r *Registry) IsMember(session *Session, documentID string) bool {
	rm := r.lookup(documentID)
	if rm == nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[session.ID()]
	return ok
}

// RoomCount reports how many rooms have members.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Broadcast delivers an event to every member of documentID except exclude.
func (r *Registry) Broadcast(documentID string, exclude *Session, event string, data any) int {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		r.logger.Error("event encoding failed", zap.String("event", event), zap.Error(err))
		return 0
	}
	return r.fanOut(documentID, r.Members(documentID), exclude, event, frame)
}

func (r *Registry) fanOut(documentID string, members []*Session, exclude *Session, event string, frame []byte) int {
	delivered := 0
	for _, member := range members {
		if exclude != nil && member.ID() == exclude.ID() {
			continue
		}
		if !member.Deliver(frame) {
			r.logger.Warn("dropped event for slow session",
				zap.String("document_id", documentID),
				zap.String("session_id", member.ID()),
				zap.String("event", event))
			continue
		}
		delivered++
	}
	return delivered
}
