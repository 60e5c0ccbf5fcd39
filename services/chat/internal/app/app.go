package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/util"
	"chatline/pkg/domain"
	"chatline/pkg/queue"
	"chatline/pkg/realtime"
	"chatline/pkg/storage"
	"chatline/pkg/store"
)

const (
	searchLimit         = 10
	defaultMessageLimit = 200
	maxMessageLimit     = 500
	maxMessageRunes     = 4000
	publishTimeout      = 2 * time.Second
	defaultAvatarURLTTL = 15 * time.Minute
)

// SessionStore issues and verifies session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
	RevokeUserSessions(userID string, since time.Time) error
}

// JobQueue schedules background work.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, userID string) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Sessions SessionStore
	Events   realtime.Publisher
	// Objects and Jobs are optional; the avatar and seed features are off without them.
	Objects      storage.ObjectStore
	Jobs         JobQueue
	AvatarURLTTL time.Duration
	Logger       *slog.Logger
}

// App is the core application service wiring together storage, sessions and realtime events.
type App struct {
	store        store.Store
	sessions     SessionStore
	events       realtime.Publisher
	objects      storage.ObjectStore
	jobs         JobQueue
	avatarURLTTL time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	newMessageID func() string
}

// New validates dependencies and makes sure the lobby chat exists.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event publisher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.AvatarURLTTL
	if ttl <= 0 {
		ttl = defaultAvatarURLTTL
	}
	if err := cfg.Store.EnsureLobby(ctx); err != nil {
		return nil, fmt.Errorf("ensure lobby: %w", err)
	}
	return &App{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		events:       cfg.Events,
		objects:      cfg.Objects,
		jobs:         cfg.Jobs,
		avatarURLTTL: ttl,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        util.NewID,
		newMessageID: util.NewOrderedID,
	}, nil
}

// AvatarsEnabled reports whether avatar uploads are configured.
func (a *App) AvatarsEnabled() bool { return a.objects != nil }

// SeedEnabled reports whether seed jobs are configured.
func (a *App) SeedEnabled() bool { return a.jobs != nil }

// publish delivers an event after the write committed. Failures are logged and
// never surface to the caller: the store is the source of truth.
func (a *App) publish(ctx context.Context, topic string, event domain.Event) {
	if event.At.IsZero() {
		event.At = a.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.events.Publish(ctx, topic, event); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "topic", topic, "type", event.Type, "err", err)
	}
}

// lookupUser maps a missing user onto ErrNotFound.
func (a *App) lookupUser(ctx context.Context, userID string) (domain.User, error) {
	u, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, storeFailure("load user", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return u, nil
}

// requireMember loads a chat and checks that userID belongs to it.
func (a *App) requireMember(ctx context.Context, chatID, userID string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, storeFailure("load chat", err)
	}
	if !ok {
		return domain.Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	member, err := a.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return domain.Chat{}, storeFailure("check membership", err)
	}
	if !member {
		return domain.Chat{}, ErrForbidden
	}
	return chat, nil
}

// storeFailure wraps err as ErrStoreUnavailable while keeping the cause matchable.
func storeFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
