package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"chatline/pkg/domain"
	"chatline/pkg/realtime"
)

// ListChats returns the chats the user belongs to, newest first.
func (a *App) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	chats, err := a.store.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, storeFailure("list chats", err)
	}
	return chats, nil
}

// GetChat returns a chat and its members; only members may read it.
func (a *App) GetChat(ctx context.Context, userID, chatID string) (domain.Chat, []domain.Membership, error) {
	chat, err := a.requireMember(ctx, chatID, userID)
	if err != nil {
		return domain.Chat{}, nil, err
	}
	members, err := a.store.ListChatMembers(ctx, chatID)
	if err != nil {
		return domain.Chat{}, nil, storeFailure("list members", err)
	}
	return chat, members, nil
}

// SearchUsers matches name or email, case-insensitively, returning at most ten users.
func (a *App) SearchUsers(ctx context.Context, query string) ([]domain.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrQueryRequired
	}
	users, err := a.store.SearchUsers(ctx, query, searchLimit)
	if err != nil {
		return nil, storeFailure("search users", err)
	}
	for i := range users {
		users[i] = a.withAvatarURL(ctx, users[i])
	}
	return users, nil
}

// ListMessages returns up to limit of the latest messages in chronological order.
func (a *App) ListMessages(ctx context.Context, userID, chatID string, limit int) ([]domain.Message, error) {
	if _, err := a.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	msgs, err := a.store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, storeFailure("list messages", err)
	}
	return msgs, nil
}

// SendMessage appends a message and notifies the chat's subscribers.
func (a *App) SendMessage(ctx context.Context, userID, chatID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > maxMessageRunes {
		return domain.Message{}, ErrMessageTooLong
	}
	if _, err := a.requireMember(ctx, chatID, userID); err != nil {
		return domain.Message{}, err
	}
	return a.appendMessage(ctx, chatID, userID, content)
}

func (a *App) appendMessage(ctx context.Context, chatID, senderID, content string) (domain.Message, error) {
	msg := domain.Message{
		ID:        a.newMessageID(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: a.now(),
	}
	if err := a.store.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, storeFailure("append message", err)
	}
	m := msg
	a.publishMessage(ctx, &m)
	return msg, nil
}

func (a *App) publishMessage(ctx context.Context, msg *domain.Message) {
	a.publish(ctx, realtime.ChatTopic(msg.ChatID), domain.Event{
		Type:    domain.EventMessageCreated,
		ChatID:  msg.ChatID,
		Message: msg,
	})
}
