package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"chatline/internal/util"
	"chatline/pkg/auth"
	"chatline/pkg/domain"
	"chatline/pkg/realtime"
	"chatline/pkg/store"
)

const maxNameRunes = 80

// SignUp registers a user, joins the lobby and opens a session.
func (a *App) SignUp(ctx context.Context, email, password, name string) (domain.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, "", err
	}
	if password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	name = strings.TrimSpace(name)
	if len([]rune(name)) > maxNameRunes {
		return domain.User{}, "", ErrNameTooLong
	}
	if _, exists, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return domain.User{}, "", storeFailure("check email", err)
	} else if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	user := domain.User{
		ID:           a.newID(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    a.now(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConstraintViolation) {
			return domain.User{}, "", ErrEmailAlreadyExists
		}
		return domain.User{}, "", storeFailure("create user", err)
	}
	util.LoggerFromContext(ctx).Info("user signed up", "user_id", user.ID)
	return a.openSession(ctx, user)
}

// SignIn verifies credentials, joins the lobby and opens a session.
func (a *App) SignIn(ctx context.Context, email, password string) (domain.User, string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, "", err
	}
	if password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", storeFailure("fetch user", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	return a.openSession(ctx, user)
}

// SignOut revokes the given session token.
func (a *App) SignOut(ctx context.Context, token string) error {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return ErrUnauthorized
	}
	if err := a.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	a.publish(ctx, realtime.UserTopic(userID), domain.Event{Type: domain.EventSessionChanged, UserID: userID})
	return nil
}

// SignOutEverywhere revokes every session of the user issued so far.
func (a *App) SignOutEverywhere(ctx context.Context, userID string) error {
	if err := a.sessions.RevokeUserSessions(userID, a.now()); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	a.publish(ctx, realtime.UserTopic(userID), domain.Event{Type: domain.EventSessionChanged, UserID: userID})
	return nil
}

// UserFromToken resolves the user behind a session token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, storeFailure("load user", err)
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// JoinLobby adds the user to the global lobby; repeated joins are no-ops.
func (a *App) JoinLobby(ctx context.Context, userID string) error {
	if err := a.store.JoinChat(ctx, domain.LobbyChatID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("join lobby: %w", ErrNotFound)
		}
		return storeFailure("join lobby", err)
	}
	return nil
}

// Me returns the user with a fresh avatar URL.
func (a *App) Me(ctx context.Context, user domain.User) domain.User {
	return a.withAvatarURL(ctx, user)
}

func (a *App) openSession(ctx context.Context, user domain.User) (domain.User, string, error) {
	// A failed lobby join must not lock the user out; the next sign-in retries it.
	if err := a.JoinLobby(ctx, user.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("join lobby failed", "user_id", user.ID, "err", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	a.publish(ctx, realtime.UserTopic(user.ID), domain.Event{Type: domain.EventSessionChanged, UserID: user.ID})
	return a.withAvatarURL(ctx, user), token, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", ErrEmailAndPasswordRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
