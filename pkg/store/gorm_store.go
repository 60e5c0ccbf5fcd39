package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatline/pkg/domain"
)

const migrateLockID int64 = 51750175

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Driver string
}

type GormStoreOption func(*GormStoreOptions)

// WithDriver selects the SQL dialect ("postgres" or "sqlite").
func WithDriver(name string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Driver = name
	}
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Driver: DriverPostgres}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if db.Dialector.Name() == DriverSQLite {
		// SQLite allows a single writer; one connection also keeps an
		// in-memory database alive for the lifetime of the store.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		// Foreign keys are off per connection unless the DSN opts in.
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &ChatModel{}, &MembershipModel{}, &MessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return ensureLobby(tx)
}

func ensureLobby(tx *gorm.DB) error {
	lobby := ChatModel{
		ID:        domain.LobbyChatID,
		Name:      domain.LobbyChatName,
		IsGroup:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lobby).Error; err != nil {
		return fmt.Errorf("seed lobby chat: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != DriverPostgres {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a user. A duplicate email yields ErrConstraintViolation.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return translateError(s.db.WithContext(ctx).Create(&model).Error)
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SearchUsers matches a case-insensitive substring of name or email.
func (s *GormStore) SearchUsers(ctx context.Context, query string, limit int) ([]domain.User, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || limit <= 0 {
		return []domain.User{}, nil
	}
	pattern := "%" + escapeLike(query) + "%"
	var models []UserModel
	if err := s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? ESCAPE '\\' OR LOWER(email) LIKE ? ESCAPE '\\'", pattern, pattern).
		Order("name ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// FindOtherUser returns the oldest user whose id differs from excludeID.
func (s *GormStore) FindOtherUser(ctx context.Context, excludeID string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).
		Where("id <> ?", excludeID).
		Order("created_at ASC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserAvatar records the object key of a user's avatar.
func (s *GormStore) SetUserAvatar(ctx context.Context, userID, avatarKey string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Update("avatar_key", avatarKey)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChat retrieves a chat.
func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// ListChatsByUser returns the chats a user belongs to, newest first.
func (s *GormStore) ListChatsByUser(ctx context.Context, userID string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).
		Table("chats AS c").
		Select("c.*").
		Joins("JOIN chat_members AS m ON m.chat_id = c.id").
		Where("m.user_id = ?", userID).
		Order("c.created_at DESC").
		Order("c.id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		res = append(res, chatFromModel(m))
	}
	return res, nil
}

// EnsureLobby creates the global lobby chat when missing.
func (s *GormStore) EnsureLobby(ctx context.Context) error {
	return ensureLobby(s.db.WithContext(ctx))
}

// JoinChat adds a membership row; joining twice is a no-op.
func (s *GormStore) JoinChat(ctx context.Context, chatID, userID string) error {
	model := MembershipModel{ChatID: chatID, UserID: userID}
	return translateError(s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error)
}

// IsMember reports whether the user belongs to the chat.
func (s *GormStore) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListChatMembers returns the membership rows of a chat.
func (s *GormStore) ListChatMembers(ctx context.Context, chatID string) ([]domain.Membership, error) {
	var models []MembershipModel
	if err := s.db.WithContext(ctx).Omit(clause.Associations).
		Where("chat_id = ?", chatID).
		Order("user_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Membership, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Membership{ChatID: m.ChatID, UserID: m.UserID})
	}
	return res, nil
}

// FindDirectChat looks up the non-group chat shared by a and b with one
// self-join on the membership index; if several match, the lowest id wins.
func (s *GormStore) FindDirectChat(ctx context.Context, a, b string) (domain.Chat, bool, error) {
	var shared []string
	if err := s.db.WithContext(ctx).Table("chat_members AS m1").
		Joins("JOIN chat_members AS m2 ON m2.chat_id = m1.chat_id AND m2.user_id = ?", b).
		Joins("JOIN chats AS c ON c.id = m1.chat_id").
		Where("m1.user_id = ? AND c.is_group = ?", a, false).
		Order("m1.chat_id ASC").
		Limit(1).
		Pluck("m1.chat_id", &shared).Error; err != nil {
		return domain.Chat{}, false, fmt.Errorf("find direct chat: %w", err)
	}
	if len(shared) == 0 {
		return domain.Chat{}, false, nil
	}
	return s.GetChat(ctx, shared[0])
}

// CreateDirectChat inserts a one-to-one chat and its two memberships in one transaction.
func (s *GormStore) CreateDirectChat(ctx context.Context, chat domain.Chat, a, b string) error {
	if a == b {
		return fmt.Errorf("direct chat needs two distinct users")
	}
	model := chatToModel(chat)
	key := domain.DirectKey(a, b)
	model.IsGroup = false
	model.DirectKey = &key
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		members := []MembershipModel{
			{ChatID: model.ID, UserID: a},
			{ChatID: model.ID, UserID: b},
		}
		return tx.Omit(clause.Associations).Create(&members).Error
	})
	return translateError(err)
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	return translateError(s.db.WithContext(ctx).Omit(clause.Associations).Create(&model).Error)
}

// ListMessages returns the most recent messages of a chat in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).Omit(clause.Associations).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// translateError maps driver constraint errors onto store sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(msg, "unique constraint"),
		strings.Contains(msg, "duplicate key"):
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated),
		strings.Contains(msg, "foreign key"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		AvatarKey:    u.AvatarKey,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		AvatarKey:    m.AvatarKey,
		CreatedAt:    m.CreatedAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:        c.ID,
		Name:      c.Name,
		IsGroup:   c.IsGroup,
		CreatedAt: c.CreatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:        m.ID,
		Name:      m.Name,
		IsGroup:   m.IsGroup,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
