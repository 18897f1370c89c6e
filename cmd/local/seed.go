package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat-threads/internal/clock"
	"chat-threads/internal/domain"
	"chat-threads/internal/persistence"
)

type sessionStore interface {
	Create(ctx context.Context, s *persistence.ChatSession) error
	List(ctx context.Context, userID string) ([]persistence.ChatSession, error)
}

type demoMessage struct {
	text string
	role domain.Role
	ago  time.Duration
}

type demoThread struct {
	title    string
	active   bool
	messages []demoMessage
}

var demoThreads = []demoThread{
	{
		title:  "Thoughts on AI",
		active: true,
		messages: []demoMessage{
			{"What do you think about recent progress in generative AI?", domain.RoleUser, time.Hour},
			{"It has moved quickly, especially in language understanding and generation.", domain.RoleAssistant, time.Hour - 10*time.Second},
		},
	},
	{
		title:  "Trip planning",
		active: true,
		messages: []demoMessage{
			{"Which sights would you recommend in Kyoto?", domain.RoleUser, 24 * time.Hour},
			{"Arashiyama, Kinkaku-ji and Fushimi Inari are the classics.", domain.RoleAssistant, 24*time.Hour - 10*time.Second},
			{"Any food recommendations?", domain.RoleUser, 24*time.Hour - 20*time.Second},
			{"Try yudofu, obanzai and Kyoto-style sukiyaki.", domain.RoleAssistant, 24*time.Hour - 30*time.Second},
		},
	},
	{
		title:  "Programming question",
		active: false,
		messages: []demoMessage{
			{"How do I process large slices efficiently?", domain.RoleUser, 48 * time.Hour},
			{"Preallocate with make, avoid needless copies and reach for iterators when streaming.", domain.RoleAssistant, 48*time.Hour - 10*time.Second},
		},
	},
}

// seedDemoThreads stores the demo conversations for userID unless the user
// already owns threads. It returns how many threads were written.
func seedDemoThreads(ctx context.Context, store sessionStore, userID string, now time.Time) (int, error) {
	existing, err := store.List(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("seed: list threads: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}
	for _, demo := range demoThreads {
		sess := persistence.FromThread(demo.build(userID, now))
		if err := store.Create(ctx, &sess); err != nil {
			return 0, fmt.Errorf("seed: create %q: %w", demo.title, err)
		}
	}
	return len(demoThreads), nil
}

func (d demoThread) build(userID string, now time.Time) *domain.Thread {
	msgs := make([]domain.Message, len(d.messages))
	for i, m := range d.messages {
		ts := clock.Format(now.Add(-m.ago))
		msgs[i] = domain.Message{ID: uuid.NewString(), Text: m.text, Role: m.role, CreatedAt: ts, UpdatedAt: ts}
	}
	return domain.RestoreThread(domain.Thread{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     d.title,
		IsActive:  d.active,
		CreatedAt: msgs[0].CreatedAt,
		UpdatedAt: msgs[len(msgs)-1].CreatedAt,
	}, msgs)
}
