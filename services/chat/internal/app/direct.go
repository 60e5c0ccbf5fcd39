package app

import (
	"context"
	"errors"
	"fmt"

	"chatline/internal/util"
	"chatline/pkg/domain"
	"chatline/pkg/realtime"
	"chatline/pkg/store"
)

// ResolveDirectChat returns the one-to-one chat between initiator and target,
// creating it when none exists. Concurrent calls for the same unordered pair
// converge on a single chat: the store's unique pair key rejects every
// creation but one, and the losers read back the winner.
func (a *App) ResolveDirectChat(ctx context.Context, initiatorID, targetID string) (domain.Chat, error) {
	if initiatorID == targetID {
		return domain.Chat{}, fmt.Errorf("%w: cannot start a chat with oneself", ErrInvalidOperation)
	}
	if _, err := a.lookupUser(ctx, initiatorID); err != nil {
		return domain.Chat{}, err
	}
	target, err := a.lookupUser(ctx, targetID)
	if err != nil {
		return domain.Chat{}, err
	}

	chat, ok, err := a.store.FindDirectChat(ctx, initiatorID, targetID)
	if err != nil {
		return domain.Chat{}, storeFailure("find direct chat", err)
	}
	if ok {
		return chat, nil
	}

	chat = domain.Chat{
		ID:        a.newID(),
		Name:      target.DisplayName(),
		IsGroup:   false,
		CreatedAt: a.now(),
	}
	err = a.store.CreateDirectChat(ctx, chat, initiatorID, targetID)
	switch {
	case err == nil:
		util.LoggerFromContext(ctx).Info("direct chat created", "chat_id", chat.ID, "initiator", initiatorID, "target", targetID)
		a.announceChat(ctx, chat, initiatorID, targetID)
		return chat, nil
	case errors.Is(err, store.ErrConstraintViolation):
		// Lost the creation race; the winner is committed by now.
		existing, ok, ferr := a.store.FindDirectChat(ctx, initiatorID, targetID)
		if ferr != nil {
			return domain.Chat{}, storeFailure("find direct chat after conflict", ferr)
		}
		if !ok {
			return domain.Chat{}, storeFailure("find direct chat after conflict", err)
		}
		return existing, nil
	case errors.Is(err, store.ErrNotFound):
		return domain.Chat{}, fmt.Errorf("create direct chat: %w", ErrNotFound)
	default:
		return domain.Chat{}, storeFailure("create direct chat", err)
	}
}

func (a *App) announceChat(ctx context.Context, chat domain.Chat, userIDs ...string) {
	for _, userID := range userIDs {
		c := chat
		a.publish(ctx, realtime.UserTopic(userID), domain.Event{
			Type:   domain.EventChatCreated,
			ChatID: chat.ID,
			UserID: userID,
			Chat:   &c,
		})
	}
}
