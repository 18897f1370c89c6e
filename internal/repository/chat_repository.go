package repository

import (
	"context"
	"errors"
	"fmt"

	"chat-threads/internal/clock"
	"chat-threads/internal/persistence"
	"chat-threads/internal/storage"
)

// UserIndex is the global secondary index keyed on user_id with createdAt as
// its sort key.
const UserIndex = "user_id-index"

// TableDefinition describes the chat table for provisioning.
func TableDefinition(name string) storage.TableDefinition {
	return storage.TableDefinition{
		Name:   name,
		Schema: storage.DefaultSchema,
		Indexes: []storage.IndexDefinition{{
			Name:         UserIndex,
			PartitionKey: persistence.AttrUserID,
			SortKey:      storage.AttrCreatedAt,
		}},
	}
}

// ChatRepository stores chat sessions, one item per thread.
type ChatRepository struct {
	store storage.Store
}

// New creates a ChatRepository over store.
func New(store storage.Store) (*ChatRepository, error) {
	if store == nil {
		return nil, errors.New("repository: store must not be nil")
	}
	return &ChatRepository{store: store}, nil
}

// Create writes the full snapshot. Missing timestamps are filled in and a zero
// Version becomes 1; s reflects what was written.
func (r *ChatRepository) Create(ctx context.Context, s *persistence.ChatSession) error {
	if s == nil || s.ID == "" {
		return errors.New("repository: Create: session id is required")
	}
	if s.CreatedAt == "" {
		s.CreatedAt = clock.Now()
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Version == 0 {
		s.Version = 1
	}
	item, err := s.Item()
	if err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	if err := r.store.Create(ctx, item); err != nil {
		return fmt.Errorf("repository: Create: %w", err)
	}
	return nil
}

// Read fetches the session by its primary key (id + createdAt). The bool is
// false when no such item exists.
func (r *ChatRepository) Read(ctx context.Context, s persistence.ChatSession) (persistence.ChatSession, bool, error) {
	item, err := r.store.Read(ctx, s.Key())
	if errors.Is(err, storage.ErrNotFound) {
		return persistence.ChatSession{}, false, nil
	}
	if err != nil {
		return persistence.ChatSession{}, false, fmt.Errorf("repository: Read: %w", err)
	}
	out, err := persistence.SessionFromItem(item)
	if err != nil {
		return persistence.ChatSession{}, false, fmt.Errorf("repository: Read: %w", err)
	}
	return out, true, nil
}

// ReadByID finds a session by id alone. Ids are random UUIDs, so the first
// match is the only one.
func (r *ChatRepository) ReadByID(ctx context.Context, id string) (persistence.ChatSession, bool, error) {
	items, err := r.store.QueryByIndex(ctx, "", persistence.AttrID, id)
	if err != nil {
		return persistence.ChatSession{}, false, fmt.Errorf("repository: ReadByID: %w", err)
	}
	if len(items) == 0 {
		return persistence.ChatSession{}, false, nil
	}
	out, err := persistence.SessionFromItem(items[0])
	if err != nil {
		return persistence.ChatSession{}, false, fmt.Errorf("repository: ReadByID: %w", err)
	}
	return out, true, nil
}

// Update rewrites messages and user_id of an existing session. It fails with
// storage.ErrConflict when the stored version is not s.Version and with
// storage.ErrNotFound when the item is gone. On success s carries the new
// updatedAt, which is always later than the previous one, and version.
func (r *ChatRepository) Update(ctx context.Context, s *persistence.ChatSession) error {
	if s == nil {
		return errors.New("repository: Update: session must not be nil")
	}
	msgs, err := s.EncodedMessages()
	if err != nil {
		return fmt.Errorf("repository: Update: %w", err)
	}
	next := clock.Next(s.UpdatedAt)
	fields := storage.Item{
		persistence.AttrMessages: msgs,
		persistence.AttrUserID:   storage.S(s.UserID),
		storage.AttrUpdatedAt:    storage.S(next),
	}
	if err := r.store.Update(ctx, s.Key(), fields, storage.ExpectVersion(s.Version)); err != nil {
		return fmt.Errorf("repository: Update: %w", err)
	}
	s.UpdatedAt = next
	s.Version++
	return nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (r *ChatRepository) Delete(ctx context.Context, s persistence.ChatSession) error {
	if err := r.store.Delete(ctx, s.Key()); err != nil {
		return fmt.Errorf("repository: Delete: %w", err)
	}
	return nil
}

// List returns every session owned by userID in index order.
func (r *ChatRepository) List(ctx context.Context, userID string) ([]persistence.ChatSession, error) {
	items, err := r.store.QueryByIndex(ctx, UserIndex, persistence.AttrUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: List: %w", err)
	}
	out := make([]persistence.ChatSession, 0, len(items))
	for _, item := range items {
		s, err := persistence.SessionFromItem(item)
		if err != nil {
			return nil, fmt.Errorf("repository: List: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
