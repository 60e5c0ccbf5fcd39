package domain

import (
	"strings"
	"time"
)

// LobbyChatID is the fixed id of the group chat every user joins.
const LobbyChatID = "00000000-0000-0000-0000-000000000000"

const (
	LobbyChatName      = "Global Lobby"
	DefaultDirectName  = "Personal Chat"
	maxDisplayNameRune = 80
)

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventChatCreated    EventType = "chat.created"
	EventSessionChanged EventType = "session.changed"
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	AvatarKey    string    `json:"-"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DisplayName returns the label used when a direct chat is named after this user.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return truncateRunes(name, maxDisplayNameRune)
	}
	if email := strings.TrimSpace(u.Email); email != "" {
		return email
	}
	return DefaultDirectName
}

type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"isGroup"`
	CreatedAt time.Time `json:"createdAt"`
}

type Membership struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is pushed to realtime subscribers after a committed write.
type Event struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chatId,omitempty"`
	UserID  string    `json:"userId,omitempty"`
	Chat    *Chat     `json:"chat,omitempty"`
	Message *Message  `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// DirectKey returns the canonical key of an unordered user pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
