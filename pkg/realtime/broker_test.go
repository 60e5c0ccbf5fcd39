package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatline/pkg/domain"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, nil)
}

func TestTopics(t *testing.T) {
	if got := ChatTopic("c1"); got != "chatline:chat:c1" {
		t.Fatalf("chat topic = %q", got)
	}
	if got := UserTopic("u1"); got != "chatline:user:u1" {
		t.Fatalf("user topic = %q", got)
	}
}

func TestRedisBrokerDeliversToSubscribedTopicsOnly(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChatTopic("c1"), UserTopic("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, ChatTopic("other"), domain.Event{Type: domain.EventMessageCreated, ChatID: "other"}); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	msg := &domain.Message{ID: "m1", ChatID: "c1", SenderID: "u2", Content: "hi"}
	if err := b.Publish(ctx, ChatTopic("c1"), domain.Event{Type: domain.EventMessageCreated, ChatID: "c1", Message: msg}); err != nil {
		t.Fatalf("publish c1: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.ChatID != "c1" || event.Message == nil || event.Message.Content != "hi" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestRedisBrokerCloseEndsEvents(t *testing.T) {
	b := newTestBroker(t)
	sub, err := b.Subscribe(context.Background(), UserTopic("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sub.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed")
	}
}

func TestRedisBrokerSubscribeRequiresTopic(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.Subscribe(context.Background(), " "); err == nil {
		t.Fatalf("expected error without topics")
	}
}
