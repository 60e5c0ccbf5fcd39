package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"chatline/pkg/domain"
	"chatline/pkg/realtime"
	"chatline/pkg/store"
)

func TestResolveDirectChatCreatesOnceForAliceAndBob(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	ctx := context.Background()
	chatsBefore, membersBefore := env.store.ChatCount(), env.store.MembershipCount()

	chat, err := env.app.ResolveDirectChat(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chat.Name != "Bob" || chat.IsGroup {
		t.Fatalf("unexpected chat: %+v", chat)
	}
	if got := env.store.ChatCount() - chatsBefore; got != 1 {
		t.Fatalf("expected one new chat, got %d", got)
	}
	if got := env.store.MembershipCount() - membersBefore; got != 2 {
		t.Fatalf("expected two new memberships, got %d", got)
	}
	members, _ := env.store.ListChatMembers(ctx, chat.ID)
	if len(members) != 2 || members[0].UserID != "u1" || members[1].UserID != "u2" {
		t.Fatalf("unexpected members: %+v", members)
	}

	reversed, err := env.app.ResolveDirectChat(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("resolve reversed: %v", err)
	}
	if reversed.ID != chat.ID {
		t.Fatalf("reversed call returned %s, want %s", reversed.ID, chat.ID)
	}
	again, err := env.app.ResolveDirectChat(ctx, "u1", "u2")
	if err != nil || again.ID != chat.ID {
		t.Fatalf("repeat call returned %+v err=%v", again, err)
	}
	if got := env.store.ChatCount() - chatsBefore; got != 1 {
		t.Fatalf("repeat calls must not create chats, got %d new", got)
	}
	if got := env.store.MembershipCount() - membersBefore; got != 2 {
		t.Fatalf("repeat calls must not create memberships, got %d new", got)
	}

	created := env.events.byType(domain.EventChatCreated)
	if len(created) != 2 {
		t.Fatalf("expected chat.created for both users, got %d", len(created))
	}
	topics := map[string]bool{created[0].topic: true, created[1].topic: true}
	if !topics[realtime.UserTopic("u1")] || !topics[realtime.UserTopic("u2")] {
		t.Fatalf("unexpected topics: %+v", created)
	}
}

func TestResolveDirectChatRejectsSelf(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	chatsBefore := env.store.ChatCount()

	_, err := env.app.ResolveDirectChat(context.Background(), "u1", "u1")
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if env.store.ChatCount() != chatsBefore {
		t.Fatalf("self chat must not write")
	}
}

func TestResolveDirectChatUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	if _, err := env.app.ResolveDirectChat(context.Background(), "u1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for target, got %v", err)
	}
	if _, err := env.app.ResolveDirectChat(context.Background(), "ghost", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for initiator, got %v", err)
	}
}

func TestResolveDirectChatNamesAfterEmailWhenNameMissing(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "", "bob@example.com")
	chat, err := env.app.ResolveDirectChat(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chat.Name != "bob@example.com" {
		t.Fatalf("chat name = %q", chat.Name)
	}
}

func TestResolveDirectChatConcurrentCallersConverge(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	chatsBefore, membersBefore := env.store.ChatCount(), env.store.MembershipCount()

	const callers = 32
	results := make([]domain.Chat, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			chat, err := env.app.ResolveDirectChat(context.Background(), a, b)
			if err != nil {
				return fmt.Errorf("caller %d: %w", i, err)
			}
			results[i] = chat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent resolve: %v", err)
	}
	for i, chat := range results {
		if chat.ID != results[0].ID {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, chat.ID, results[0].ID)
		}
	}
	if got := env.store.ChatCount() - chatsBefore; got != 1 {
		t.Fatalf("expected exactly one chat, got %d", got)
	}
	if got := env.store.MembershipCount() - membersBefore; got != 2 {
		t.Fatalf("expected exactly two memberships, got %d", got)
	}
}

// racingStore makes FindDirectChat miss once, so the resolver attempts a
// creation that collides with a chat another caller already committed.
type racingStore struct {
	store.Store
	missed bool
}

func (s *racingStore) FindDirectChat(ctx context.Context, a, b string) (domain.Chat, bool, error) {
	if !s.missed {
		s.missed = true
		return domain.Chat{}, false, nil
	}
	return s.Store.FindDirectChat(ctx, a, b)
}

func TestResolveDirectChatLosingCreatorReadsBackWinner(t *testing.T) {
	mem := store.NewMemoryStore()
	racing := &racingStore{Store: mem}
	env := newTestEnv(t, func(c *Config) { c.Store = racing })
	env.store = mem
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")

	ctx := context.Background()
	winner := domain.Chat{ID: "winner", Name: "Bob"}
	if err := mem.CreateDirectChat(ctx, winner, "u2", "u1"); err != nil {
		t.Fatalf("seed winner: %v", err)
	}
	chatsBefore := mem.ChatCount()

	got, err := env.app.ResolveDirectChat(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "winner" {
		t.Fatalf("expected winner chat, got %+v", got)
	}
	if mem.ChatCount() != chatsBefore {
		t.Fatalf("losing creation must not leave a chat behind")
	}
	if len(env.events.byType(domain.EventChatCreated)) != 0 {
		t.Fatalf("losing creator must not announce a chat")
	}
}

type failingStore struct {
	store.Store
	findErr   error
	createErr error
}

func (s *failingStore) FindDirectChat(ctx context.Context, a, b string) (domain.Chat, bool, error) {
	if s.findErr != nil {
		return domain.Chat{}, false, s.findErr
	}
	return s.Store.FindDirectChat(ctx, a, b)
}

func (s *failingStore) CreateDirectChat(ctx context.Context, chat domain.Chat, a, b string) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateDirectChat(ctx, chat, a, b)
}

func TestResolveDirectChatWrapsStoreFailures(t *testing.T) {
	boom := errors.New("connection refused")
	cases := map[string]*failingStore{
		"find":   {findErr: boom},
		"create": {createErr: boom},
	}
	for name, fs := range cases {
		t.Run(name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			fs.Store = mem
			env := newTestEnv(t, func(c *Config) { c.Store = fs })
			env.store = mem
			env.addUser(t, "u1", "Alice", "alice@example.com")
			env.addUser(t, "u2", "Bob", "bob@example.com")

			_, err := env.app.ResolveDirectChat(context.Background(), "u1", "u2")
			if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, boom) {
				t.Fatalf("expected wrapped store failure, got %v", err)
			}
		})
	}
}

func TestResolveDirectChatPublishFailureIsNotReturned(t *testing.T) {
	env := newTestEnv(t)
	env.events.err = errors.New("redis down")
	env.addUser(t, "u1", "Alice", "alice@example.com")
	env.addUser(t, "u2", "Bob", "bob@example.com")
	if _, err := env.app.ResolveDirectChat(context.Background(), "u1", "u2"); err != nil {
		t.Fatalf("publish failures must not fail resolution: %v", err)
	}
}

func TestResolveDirectChatOnSQLiteStore(t *testing.T) {
	gs, err := store.NewGormStore("file:resolve_sqlite?mode=memory&cache=shared&_foreign_keys=on", store.WithDriver(store.DriverSQLite))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = gs.Close() })
	a, err := New(context.Background(), Config{Store: gs, Sessions: newFakeSessions(), Events: &fakePublisher{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "u1", Name: "Alice", Email: "alice@example.com", PasswordHash: "x"},
		{ID: "u2", Name: "Bob", Email: "bob@example.com", PasswordHash: "x"},
	} {
		if err := gs.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	const callers = 8
	ids := make([]string, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			initiator, target := "u1", "u2"
			if i%2 == 1 {
				initiator, target = target, initiator
			}
			chat, err := a.ResolveDirectChat(ctx, initiator, target)
			ids[i] = chat.ID
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent resolve: %v", err)
	}
	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatalf("callers diverged: %v", ids)
		}
	}
	chats, err := gs.ListChatsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	// Whichever caller wins names the chat after its target.
	if len(chats) != 1 || chats[0].IsGroup || (chats[0].Name != "Alice" && chats[0].Name != "Bob") {
		t.Fatalf("unexpected chats: %+v", chats)
	}
	members, err := gs.ListChatMembers(ctx, chats[0].ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 || members[0].UserID != "u1" || members[1].UserID != "u2" {
		t.Fatalf("unexpected members: %+v", members)
	}
}
