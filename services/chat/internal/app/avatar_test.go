package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"chatline/pkg/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadAvatarDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	if _, err := env.app.UploadAvatar(context.Background(), "u1", bytes.NewReader(pngHeader)); !errors.Is(err, ErrAvatarsDisabled) {
		t.Fatalf("expected ErrAvatarsDisabled, got %v", err)
	}
}

func TestUploadAvatarReplacesPrevious(t *testing.T) {
	objects := storage.NewMemoryStore("http://objects.test")
	env := newTestEnv(t, func(c *Config) { c.Objects = objects })
	env.addUser(t, "u1", "Alice", "alice@example.com")
	ctx := context.Background()

	first, err := env.app.UploadAvatar(ctx, "u1", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(first.AvatarURL, "http://objects.test/") {
		t.Fatalf("unexpected avatar url %q", first.AvatarURL)
	}
	if _, contentType, ok := objects.Get(first.AvatarKey); !ok || contentType != "image/png" {
		t.Fatalf("avatar not stored: ok=%v type=%q", ok, contentType)
	}

	second, err := env.app.UploadAvatar(ctx, "u1", bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.AvatarKey == first.AvatarKey {
		t.Fatalf("each upload should get a new key")
	}
	if _, _, ok := objects.Get(first.AvatarKey); ok {
		t.Fatalf("previous avatar should be deleted")
	}

	stored, _, _ := env.store.GetUserByID(ctx, "u1")
	if me := env.app.Me(ctx, stored); me.AvatarURL == "" {
		t.Fatalf("Me should presign the avatar")
	}
}

func TestUploadAvatarRejectsNonImage(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Objects = storage.NewMemoryStore("http://objects.test") })
	env.addUser(t, "u1", "Alice", "alice@example.com")
	_, err := env.app.UploadAvatar(context.Background(), "u1", strings.NewReader("plain text, not an image"))
	if !errors.Is(err, ErrInvalidAvatar) {
		t.Fatalf("expected ErrInvalidAvatar, got %v", err)
	}
}
