package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxAvatarBytes caps avatar uploads.
const MaxAvatarBytes = 2 << 20

var (
	ErrAvatarTooLarge    = errors.New("avatar too large")
	ErrAvatarUnsupported = errors.New("avatar must be a png, jpeg, gif or webp image")
)

var avatarExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Avatar is a validated image ready for upload.
type Avatar struct {
	Data        []byte
	ContentType string
}

// ReadAvatar reads at most MaxAvatarBytes and sniffs the image type from the content.
func ReadAvatar(r io.Reader) (Avatar, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAvatarBytes+1))
	if err != nil {
		return Avatar{}, fmt.Errorf("read avatar: %w", err)
	}
	if len(data) > MaxAvatarBytes {
		return Avatar{}, ErrAvatarTooLarge
	}
	contentType := http.DetectContentType(data)
	if _, ok := avatarExtensions[contentType]; !ok {
		return Avatar{}, ErrAvatarUnsupported
	}
	return Avatar{Data: data, ContentType: contentType}, nil
}

// Reader returns the avatar body for upload.
func (a Avatar) Reader() io.Reader { return bytes.NewReader(a.Data) }

// AvatarKey is the object key of one avatar version of a user.
func AvatarKey(userID, version, contentType string) string {
	return fmt.Sprintf("avatars/%s/%s%s", userID, version, avatarExtensions[contentType])
}
