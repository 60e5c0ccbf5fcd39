package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"chatline/pkg/domain"
)

const topicPrefix = "chatline:"

// ChatTopic carries events for members of one chat.
func ChatTopic(chatID string) string { return topicPrefix + "chat:" + chatID }

// UserTopic carries events addressed to one user.
func UserTopic(userID string) string { return topicPrefix + "user:" + userID }

// Publisher fans an event out to subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
}

// Subscription delivers decoded events until closed.
type Subscription interface {
	Events() <-chan domain.Event
	Close() error
}

// Broker is a publish/subscribe hub for domain events.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// RedisBroker implements Broker on Redis pub/sub. Delivery is at most once.
type RedisBroker struct {
	client redis.UniversalClient
	buffer int
	logger *slog.Logger
}

// NewRedisBroker builds a broker on a shared Redis client.
func NewRedisBroker(client redis.UniversalClient, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, buffer: 64, logger: logger.With("component", "realtime")}
}

// Publish encodes the event as JSON and publishes it on topic.
func (b *RedisBroker) Publish(ctx context.Context, topic string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens on the given topics. The subscription is confirmed
// before returning, so events published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	cleaned := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one topic required")
	}
	ps := b.client.Subscribe(ctx, cleaned...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := &redisSubscription{
		ps:     ps,
		events: make(chan domain.Event, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.pump(b.logger)
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan domain.Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump(logger *slog.Logger) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("dropping undecodable event", "channel", msg.Channel, "err", err)
				continue
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
	}
}
