package collab

import (
	"fmt"
	"sort"
	"sync"
	"unicode/utf16"
)

type cursorTable struct {
	mu      sync.Mutex
	cursors map[string]CursorState
	dropped bool
}

// Presence keeps the ephemeral cursor of every user per document and announces
// changes to the room. Nothing here is persisted.
type Presence struct {
	registry *Registry

	mu     sync.Mutex
	tables map[string]*cursorTable
}

func NewPresence(registry *Registry) *Presence {
	return &Presence{
		registry: registry,
		tables:   make(map[string]*cursorTable),
	}
}

func (p *Presence) table(documentID string, create bool) *cursorTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, ok := p.tables[documentID]
	if !ok && create {
		table = &cursorTable{cursors: make(map[string]CursorState)}
		p.tables[documentID] = table
	}
	return table
}

// UpdateCursor stores cursor, remembers its user on sender for disconnect cleanup,
// and sends remote-cursor-update to every other member of the room.
func (p *Presence) UpdateCursor(sender *Session, cursor CursorState) CursorState {
	if cursor.Color == "" {
		cursor.Color = ColorForUser(cursor.UserID)
	}
	for {
		table := p.table(cursor.DocumentID, true)
		table.mu.Lock()
		if table.dropped {
			table.mu.Unlock()
			continue
		}
		table.cursors[cursor.UserID] = cursor
		table.mu.Unlock()
		break
	}

	sender.rememberCursor(cursor.DocumentID, cursor.UserID)
	p.registry.Broadcast(cursor.DocumentID, sender, EventRemoteCursorUpdate, cursor)
	return cursor
}

// RemoveCursor drops the cursor of userID and sends remote-cursor-remove to the
// room, excluding sender.
func (p *Presence) RemoveCursor(sender *Session, documentID, userID string) {
	if table := p.table(documentID, false); table != nil {
		table.mu.Lock()
		delete(table.cursors, userID)
		empty := len(table.cursors) == 0
		table.mu.Unlock()
		if empty {
			p.dropTable(documentID, table)
		}
	}
	p.registry.Broadcast(documentID, sender, EventRemoteCursorRemove, CursorRemoval{
		UserID:     userID,
		DocumentID: documentID,
	})
}

func (p *Presence) dropTable(documentID string, table *cursorTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table.mu.Lock()
	defer table.mu.Unlock()
	if len(table.cursors) == 0 && p.tables[documentID] == table {
		table.dropped = true
		delete(p.tables, documentID)
	}
}

// Cursors returns the cursors of documentID ordered by user id.
func (p *Presence) Cursors(documentID string) []CursorState {
	table := p.table(documentID, false)
	if table == nil {
		return nil
	}
	table.mu.Lock()
	cursors := make([]CursorState, 0, len(table.cursors))
	for _, cursor := range table.cursors {
		cursors = append(cursors, cursor)
	}
	table.mu.Unlock()
	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].UserID < cursors[j].UserID
	})
	return cursors
}

// ColorForUser derives a stable cursor color from a user id.
func ColorForUser(userID string) string {
	var hash int32
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = int32(unit) + ((hash << 5) - hash)
	}
	hue := ((hash % 360) + 360) % 360
	return fmt.Sprintf("hsl(%d, 80%%, 70%%)", hue)
}
