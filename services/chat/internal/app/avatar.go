package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chatline/internal/util"
	"chatline/pkg/domain"
	"chatline/pkg/storage"
	"chatline/pkg/store"
)

// UploadAvatar stores a new avatar image and points the user at it.
func (a *App) UploadAvatar(ctx context.Context, userID string, body io.Reader) (domain.User, error) {
	if a.objects == nil {
		return domain.User{}, ErrAvatarsDisabled
	}
	user, err := a.lookupUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	avatar, err := storage.ReadAvatar(body)
	if err != nil {
		if errors.Is(err, storage.ErrAvatarTooLarge) || errors.Is(err, storage.ErrAvatarUnsupported) {
			return domain.User{}, fmt.Errorf("%w: %w", ErrInvalidAvatar, err)
		}
		return domain.User{}, err
	}
	key := storage.AvatarKey(userID, a.newID(), avatar.ContentType)
	if err := a.objects.Put(ctx, key, avatar.Reader(), int64(len(avatar.Data)), avatar.ContentType); err != nil {
		return domain.User{}, fmt.Errorf("store avatar: %w", err)
	}
	if err := a.store.SetUserAvatar(ctx, userID, key); err != nil {
		_ = a.objects.Delete(context.WithoutCancel(ctx), key)
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return domain.User{}, storeFailure("set avatar", err)
	}
	if previous := user.AvatarKey; previous != "" && previous != key {
		if err := a.objects.Delete(ctx, previous); err != nil {
			util.LoggerFromContext(ctx).Warn("delete previous avatar failed", "user_id", userID, "key", previous, "err", err)
		}
	}
	user.AvatarKey = key
	return a.withAvatarURL(ctx, user), nil
}

// withAvatarURL fills in a presigned avatar URL when the user has one.
func (a *App) withAvatarURL(ctx context.Context, user domain.User) domain.User {
	user.AvatarURL = ""
	if a.objects == nil || user.AvatarKey == "" {
		return user
	}
	u, err := a.objects.PresignGet(ctx, user.AvatarKey, a.avatarURLTTL)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("presign avatar failed", "user_id", user.ID, "err", err)
		return user
	}
	user.AvatarURL = u
	return user
}
