package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatline/pkg/queue"
)

func withJobs(c *Config) { c.Jobs = &fakeJobs{} }

func TestSeedDisabledWithoutQueue(t *testing.T) {
	env := newTestEnv(t)
	if env.app.SeedEnabled() {
		t.Fatalf("seed should be disabled without a queue")
	}
	if _, err := env.app.EnqueueSeed(context.Background(), "u1"); !errors.Is(err, ErrSeedDisabled) {
		t.Fatalf("expected ErrSeedDisabled, got %v", err)
	}
}

func TestEnqueueSeedNeedsPartner(t *testing.T) {
	env := newTestEnv(t, withJobs)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	if _, err := env.app.EnqueueSeed(context.Background(), "u1"); !errors.Is(err, ErrNoSeedPartner) {
		t.Fatalf("expected ErrNoSeedPartner, got %v", err)
	}
}

func TestEnqueueAndGetSeedJob(t *testing.T) {
	env := newTestEnv(t, withJobs)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	ctx := context.Background()

	job, err := env.app.EnqueueSeed(ctx, "u1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Kind != JobKindSeed || job.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", job)
	}
	got, err := env.app.GetSeedJob(ctx, "u1", job.ID)
	if err != nil || got.ID != job.ID {
		t.Fatalf("get job: %+v err=%v", got, err)
	}
	if _, err := env.app.GetSeedJob(ctx, "u2", job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other users must not see the job, got %v", err)
	}
}

func TestSeedReusesDirectChat(t *testing.T) {
	env := newTestEnv(t, withJobs)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	ctx := context.Background()

	existing, err := env.app.ResolveDirectChat(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	chatsBefore := env.store.ChatCount()

	chat, err := env.app.Seed(ctx, "u1")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if chat.ID != existing.ID {
		t.Fatalf("seed created %s instead of reusing %s", chat.ID, existing.ID)
	}
	if err := env.app.HandleJob(ctx, queue.Job{Kind: JobKindSeed, UserID: "u1"}); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	if env.store.ChatCount() != chatsBefore {
		t.Fatalf("seeding must never add a second chat for the pair")
	}

	msgs, err := env.app.ListMessages(ctx, "u1", chat.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2*len(seedMessages) {
		t.Fatalf("expected %d messages, got %d", 2*len(seedMessages), len(msgs))
	}
	for i, msg := range msgs[:len(seedMessages)] {
		if msg.SenderID != "u2" || msg.Content != seedMessages[i] {
			t.Fatalf("message %d: %+v", i, msg)
		}
	}
}

func TestSeedThenReplyKeepsAppendOrder(t *testing.T) {
	env := newTestEnv(t, withJobs)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	ctx := context.Background()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env.app.now = func() time.Time { return frozen }

	chat, err := env.app.Seed(ctx, "u1")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := env.app.SendMessage(ctx, "u1", chat.ID, "reply"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := env.app.ListMessages(ctx, "u1", chat.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := append(append([]string{}, seedMessages...), "reply")
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, msg := range msgs {
		if msg.Content != want[i] {
			t.Fatalf("message %d: got %q want %q", i, msg.Content, want[i])
		}
		if msg.CreatedAt.After(frozen) {
			t.Fatalf("message %d stamped in the future: %s", i, msg.CreatedAt)
		}
	}
}

func TestHandleJobUnknownKind(t *testing.T) {
	env := newTestEnv(t, withJobs)
	if err := env.app.HandleJob(context.Background(), queue.Job{Kind: "reindex"}); !errors.Is(err, ErrUnknownJobKind) {
		t.Fatalf("expected ErrUnknownJobKind, got %v", err)
	}
}
