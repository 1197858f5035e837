package collab

// Relay fans content changes out to the other members of a room. Delivery is
// at most once; nothing is buffered for sessions that join later.
type Relay struct {
	registry *Registry
}

func NewRelay(registry *Registry) *Relay {
	return &Relay{registry: registry}
}

// BroadcastContentChange sends change to every member of its room except sender
// and returns how many sessions accepted it.
func (r *Relay) BroadcastContentChange(sender *Session, change ContentChange) int {
	return r.registry.Broadcast(change.DocumentID, sender, EventReceiveChanges, change)
}
