package app

import "errors"

var (
	// ErrInvalidOperation is returned for requests that can never succeed, e.g. a chat with oneself.
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNotFound         = errors.New("not found")
	// ErrStoreUnavailable wraps every store failure other than a missing record or a lost race.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrForbidden        = errors.New("not a member of this chat")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrInvalidCredentials must not reveal whether the email exists.
	ErrInvalidCredentials       = errors.New("incorrect email address or password")
	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrInvalidEmail             = errors.New("invalid email address")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrNameTooLong              = errors.New("name must be at most 80 characters")

	ErrEmptyMessage   = errors.New("message content required")
	ErrMessageTooLong = errors.New("message content too long")
	ErrQueryRequired  = errors.New("search query required")

	ErrInvalidAvatar   = errors.New("invalid avatar")
	ErrAvatarsDisabled = errors.New("avatar storage not configured")
	ErrSeedDisabled    = errors.New("seed jobs not enabled")
	ErrNoSeedPartner   = errors.New("no other user to chat with; sign up a second account first")
	ErrUnknownJobKind  = errors.New("unknown job kind")
)
