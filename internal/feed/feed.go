// Package feed carries "document content changed" notifications from the storage
// layer to every server instance holding a room for that document.
package feed

import (
	"context"
	"errors"
)

var errMissingDocumentID = errors.New("feed: document id required")

// Change describes a content snapshot that was accepted by storage.
type Change struct {
	DocumentID      string `json:"document_id"`
	Content         string `json:"content"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
	LastUpdatedBy   string `json:"last_updated_by"`
	Origin          string `json:"origin"`
}

// Feed publishes and subscribes to per-document change notifications.
// Delivery is best effort: slow subscribers lose messages rather than block publishers.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, documentID string) (<-chan Change, func(), error)
	Close() error
}
