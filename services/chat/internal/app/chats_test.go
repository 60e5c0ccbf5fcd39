package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chatline/pkg/domain"
	"chatline/pkg/realtime"
)

func newDirectChatEnv(t *testing.T) (*testEnv, domain.Chat) {
	t.Helper()
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	env.addUser(t, "u3", "Carol", "carol@example.com")
	chat, err := env.app.ResolveDirectChat(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return env, chat
}

func TestSendMessagePublishesToChatTopic(t *testing.T) {
	env, chat := newDirectChatEnv(t)
	msg, err := env.app.SendMessage(context.Background(), "u2", chat.ID, "  hi Alice  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Content != "hi Alice" || msg.SenderID != "u2" || msg.ChatID != chat.ID {
		t.Fatalf("unexpected message: %+v", msg)
	}
	created := env.events.byType(domain.EventMessageCreated)
	if len(created) != 1 || created[0].topic != realtime.ChatTopic(chat.ID) {
		t.Fatalf("expected message.created on chat topic, got %+v", created)
	}
	if created[0].event.Message == nil || created[0].event.Message.ID != msg.ID {
		t.Fatalf("event should carry the message: %+v", created[0].event)
	}
}

func TestSendMessageValidation(t *testing.T) {
	env, chat := newDirectChatEnv(t)
	ctx := context.Background()
	tests := []struct {
		name    string
		userID  string
		chatID  string
		content string
		want    error
	}{
		{name: "empty", userID: "u1", chatID: chat.ID, content: "   ", want: ErrEmptyMessage},
		{name: "too long", userID: "u1", chatID: chat.ID, content: strings.Repeat("x", maxMessageRunes+1), want: ErrMessageTooLong},
		{name: "not a member", userID: "u3", chatID: chat.ID, content: "hello", want: ErrForbidden},
		{name: "unknown chat", userID: "u1", chatID: "missing", content: "hello", want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.app.SendMessage(ctx, tt.userID, tt.chatID, tt.content); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(env.events.byType(domain.EventMessageCreated)) != 0 {
		t.Fatalf("rejected messages must not publish")
	}
}

func TestListMessagesReturnsLatestInOrder(t *testing.T) {
	env, chat := newDirectChatEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	env.app.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for i := 0; i < 5; i++ {
		if _, err := env.app.SendMessage(ctx, "u1", chat.ID, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	msgs, err := env.app.ListMessages(ctx, "u2", chat.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "m3" || msgs[1].Content != "m4" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	all, err := env.app.ListMessages(ctx, "u2", chat.ID, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("default limit: %d err=%v", len(all), err)
	}
	if _, err := env.app.ListMessages(ctx, "u3", chat.ID, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-member read: %v", err)
	}
}

func TestGetChatReturnsMembers(t *testing.T) {
	env, chat := newDirectChatEnv(t)
	ctx := context.Background()
	got, members, err := env.app.GetChat(ctx, "u1", chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.ID != chat.ID || len(members) != 2 {
		t.Fatalf("unexpected chat %+v members %+v", got, members)
	}
	if _, _, err := env.app.GetChat(ctx, "u3", chat.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestListChatsIncludesLobbyAndDirect(t *testing.T) {
	env, chat := newDirectChatEnv(t)
	ctx := context.Background()
	if err := env.app.JoinLobby(ctx, "u1"); err != nil {
		t.Fatalf("join lobby: %v", err)
	}
	chats, err := env.app.ListChats(ctx, "u1")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	seen := map[string]bool{}
	for _, c := range chats {
		seen[c.ID] = true
	}
	if len(chats) != 2 || !seen[chat.ID] || !seen[domain.LobbyChatID] {
		t.Fatalf("unexpected chats: %+v", chats)
	}
}

func TestSearchUsers(t *testing.T) {
	env, _ := newDirectChatEnv(t)
	ctx := context.Background()
	if _, err := env.app.SearchUsers(ctx, "  "); !errors.Is(err, ErrQueryRequired) {
		t.Fatalf("blank query: %v", err)
	}
	users, err := env.app.SearchUsers(ctx, "CAROL")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u3" {
		t.Fatalf("unexpected users: %+v", users)
	}
	for i := 0; i < 15; i++ {
		env.addUser(t, fmt.Sprintf("x%02d", i), fmt.Sprintf("Xavier %d", i), fmt.Sprintf("x%d@example.com", i))
	}
	users, err = env.app.SearchUsers(ctx, "xavier")
	if err != nil || len(users) != searchLimit {
		t.Fatalf("expected %d users, got %d err=%v", searchLimit, len(users), err)
	}
}
