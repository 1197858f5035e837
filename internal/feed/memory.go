package feed

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// MemoryFeed is the single-process feed used when no broker is configured.
type MemoryFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Change
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for documentID until ctx ends or the cleanup runs.
// The stream is never closed; consumers stop on their own context.
func (f *MemoryFeed) Subscribe(ctx context.Context, documentID string) (<-chan Change, func(), error) {
	if documentID == "" {
		return nil, func() {}, errMissingDocumentID
	}
	sub := &subscriber{
		id:     f.nextSequence(),
		stream: make(chan Change, f.bufferSize),
	}
	f.register(documentID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(documentID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup, nil
}

func (f *MemoryFeed) Publish(_ context.Context, change Change) error {
	if change.DocumentID == "" {
		return errMissingDocumentID
	}
	f.mu.RLock()
	subs := f.subscribers[change.DocumentID]
	if len(subs) == 0 {
		f.mu.RUnlock()
		return nil
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	f.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- change:
		default:
		}
	}
	return nil
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.subscribers = make(map[string]map[int64]*subscriber)
	f.mu.Unlock()
	return nil
}

func (f *MemoryFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *MemoryFeed) register(documentID string, sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subscribers[documentID]; !ok {
		f.subscribers[documentID] = make(map[int64]*subscriber)
	}
	f.subscribers[documentID][sub.id] = sub
}

func (f *MemoryFeed) unregister(documentID string, subscriberID int64) {
	f.mu.Lock()
	subs := f.subscribers[documentID]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(f.subscribers, documentID)
		}
	}
	f.mu.Unlock()
}
