package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "quire:doc:"

// RedisFeed fans change notifications out across server instances through Redis pub/sub.
type RedisFeed struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	logger     *zap.Logger
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string, logger *zap.Logger) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFeedWithClient(client, logger), nil
}

// NewRedisFeedWithClient wraps an existing client.
func NewRedisFeedWithClient(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{
		client:     client,
		prefix:     redisChannelPrefix,
		bufferSize: defaultBufferSize,
		logger:     logger,
	}
}

func (f *RedisFeed) channel(documentID string) string {
	return f.prefix + documentID
}

func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	if change.DocumentID == "" {
		return errMissingDocumentID
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(change.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning, so a
// publish issued after Subscribe returns is observed.
func (f *RedisFeed) Subscribe(ctx context.Context, documentID string) (<-chan Change, func(), error) {
	if documentID == "" {
		return nil, func() {}, errMissingDocumentID
	}
	pubsub := f.client.Subscribe(ctx, f.channel(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, func() {}, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	stream := make(chan Change, f.bufferSize)
	messages := pubsub.Channel()
	go func() {
		defer close(stream)
		for message := range messages {
			var change Change
			if err := json.Unmarshal([]byte(message.Payload), &change); err != nil {
				f.logger.Warn("dropping malformed change notification",
					zap.String("document_id", documentID),
					zap.Error(err))
				continue
			}
			select {
			case stream <- change:
			default:
			}
		}
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
