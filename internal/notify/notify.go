// Package notify implements the Completion Notifier (SPEC_FULL.md §6): a
// best-effort, at-least-once publish of the final apply status to a
// configured Redis pub/sub topic. The teacher carries no messaging
// dependency of its own; this is grounded on jordigilh-kubernaut's go.mod
// (redis/go-redis/v9 + alicebob/miniredis/v2 for tests), the pack's sole
// donor of a message-broker client.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vpatelsj/layoutapply/internal/model"
)

// Completion is the payload published on terminal apply transition.
type Completion struct {
	ApplyID string            `json:"applyID"`
	Status  model.ApplyStatus `json:"status"`
	At      time.Time         `json:"at"`
}

// RedisNotifier publishes Completion messages to a Redis pub/sub channel.
type RedisNotifier struct {
	client *redis.Client
	topic  string
}

// New constructs a RedisNotifier against addr, publishing to topic.
func New(addr, topic string) *RedisNotifier {
	return &RedisNotifier{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		topic:  topic,
	}
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client, topic string) *RedisNotifier {
	return &RedisNotifier{client: client, topic: topic}
}

// Publish sends one Completion message. Per SPEC_FULL.md §6 this is
// best-effort: the caller (internal/lifecycle) logs and ignores any error
// rather than blocking finalization on it.
func (n *RedisNotifier) Publish(ctx context.Context, applyID string, status model.ApplyStatus) error {
	payload, err := json.Marshal(Completion{ApplyID: applyID, Status: status, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.topic, payload).Err()
}

// Close releases the underlying Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
