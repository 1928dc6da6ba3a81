package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vpatelsj/layoutapply/internal/model"
)

func TestPublishSendsCompletionPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sub := client.Subscribe(t.Context(), "apply-completions")
	t.Cleanup(func() { sub.Close() })
	// Block until the subscription is registered with miniredis so Publish
	// below is guaranteed to have a receiver.
	if _, err := sub.Receive(t.Context()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n := NewWithClient(client, "apply-completions")
	if err := n.Publish(t.Context(), "apply-1", model.ApplyCompleted); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Completion
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.ApplyID != "apply-1" || got.Status != model.ApplyCompleted {
			t.Fatalf("got = %+v, want ApplyID=apply-1 Status=COMPLETED", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestPublishSurfacesConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := NewWithClient(client, "apply-completions")
	client.Close() // force the next command to fail

	if err := n.Publish(t.Context(), "apply-1", model.ApplyFailed); err == nil {
		t.Fatal("expected Publish to surface the closed-connection error")
	}
}
