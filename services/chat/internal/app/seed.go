package app

import (
	"context"
	"fmt"

	"chatline/internal/util"
	"chatline/pkg/domain"
	"chatline/pkg/queue"
)

// JobKindSeed fills a demo direct chat with canned messages.
const JobKindSeed = "seed"

var seedMessages = []string{
	"Hello! This is an automated test message.",
	"The dark mode looks amazing, doesn't it?",
	"Real-time database is working perfectly.",
	"Type something back to test the interface!",
}

// EnqueueSeed schedules a seed job for the user.
func (a *App) EnqueueSeed(ctx context.Context, userID string) (queue.Job, error) {
	if a.jobs == nil {
		return queue.Job{}, ErrSeedDisabled
	}
	if _, ok, err := a.store.FindOtherUser(ctx, userID); err != nil {
		return queue.Job{}, storeFailure("find seed partner", err)
	} else if !ok {
		return queue.Job{}, ErrNoSeedPartner
	}
	job, err := a.jobs.Enqueue(ctx, JobKindSeed, userID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("enqueue seed: %w", err)
	}
	return job, nil
}

// GetSeedJob returns a seed job owned by the user.
func (a *App) GetSeedJob(ctx context.Context, userID, jobID string) (queue.Job, error) {
	if a.jobs == nil {
		return queue.Job{}, ErrSeedDisabled
	}
	job, ok, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok || job.UserID != userID {
		return queue.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return job, nil
}

// HandleJob dispatches a queued job by kind.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case JobKindSeed:
		_, err := a.Seed(ctx, job.UserID)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJobKind, job.Kind)
	}
}

// Seed resolves the direct chat between the user and another user and posts
// the canned messages as that other user. Reusing the resolver keeps seeding
// from ever creating a second chat for the pair.
func (a *App) Seed(ctx context.Context, userID string) (domain.Chat, error) {
	other, ok, err := a.store.FindOtherUser(ctx, userID)
	if err != nil {
		return domain.Chat{}, storeFailure("find seed partner", err)
	}
	if !ok {
		return domain.Chat{}, ErrNoSeedPartner
	}
	chat, err := a.ResolveDirectChat(ctx, userID, other.ID)
	if err != nil {
		return domain.Chat{}, err
	}
	for _, content := range seedMessages {
		if _, err := a.appendMessage(ctx, chat.ID, other.ID, content); err != nil {
			return domain.Chat{}, err
		}
	}
	util.LoggerFromContext(ctx).Info("seeded direct chat", "chat_id", chat.ID, "user_id", userID, "partner_id", other.ID)
	return chat, nil
}
