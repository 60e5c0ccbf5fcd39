package store

import (
	"context"
	"errors"

	"chatline/pkg/domain"
)

var (
	// ErrConstraintViolation is returned when a uniqueness constraint rejects a write,
	// e.g. a second direct chat for the same user pair or a duplicate email.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store defines persistence operations for users, chats, memberships and messages.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]domain.User, error)
	FindOtherUser(ctx context.Context, excludeID string) (domain.User, bool, error)
	SetUserAvatar(ctx context.Context, userID, avatarKey string) error

	// chats
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error)
	EnsureLobby(ctx context.Context) error
	JoinChat(ctx context.Context, chatID, userID string) error
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ListChatMembers(ctx context.Context, chatID string) ([]domain.Membership, error)

	// direct chats
	DirectChats

	// messages
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)
}

// DirectChats is the store surface the direct chat resolver depends on.
type DirectChats interface {
	// FindDirectChat returns the non-group chat shared by a and b, if any.
	FindDirectChat(ctx context.Context, a, b string) (domain.Chat, bool, error)
	// CreateDirectChat inserts the chat and both memberships atomically.
	// It returns ErrConstraintViolation when a direct chat for the pair already exists.
	CreateDirectChat(ctx context.Context, chat domain.Chat, a, b string) error
}
