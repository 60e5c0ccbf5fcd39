package store

import "time"

// GORM models used for persistence. Table names follow the chat schema.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"index"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	AvatarKey    string
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

// ChatModel rows with a non-null DirectKey are one-to-one chats; the unique
// index on it allows at most one such chat per unordered user pair.
type ChatModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	IsGroup   bool      `gorm:"not null;default:false"`
	DirectKey *string   `gorm:"uniqueIndex"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (ChatModel) TableName() string { return "chats" }

type MembershipModel struct {
	ChatID string    `gorm:"primaryKey"`
	UserID string    `gorm:"primaryKey;index"`
	Chat   ChatModel `gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE"`
	User   UserModel `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

func (MembershipModel) TableName() string { return "chat_members" }

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	ChatID    string    `gorm:"not null;index:idx_messages_chat_created,priority:1"`
	SenderID  string    `gorm:"not null;index"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_messages_chat_created,priority:2"`
	Chat      ChatModel `gorm:"foreignKey:ChatID;references:ID;constraint:OnDelete:CASCADE"`
}

func (MessageModel) TableName() string { return "messages" }
