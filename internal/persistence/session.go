package persistence

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-threads/internal/domain"
	"chat-threads/internal/storage"
)

// Item attribute names.
const (
	AttrID       = "id"
	AttrMessages = "messages"
	AttrUserID   = "user_id"
	AttrIsActive = "is_active"
	AttrTitle    = "title"
)

// ChatSession is a thread as stored: one item per thread. A thread without
// messages has nil Messages, never an empty slice.
type ChatSession struct {
	ID        string
	Messages  []ChatMessage
	UserID    string
	IsActive  bool
	Title     string
	CreatedAt string
	UpdatedAt string
	Version   int64
}

// Key returns the primary key of the session's item.
func (s ChatSession) Key() storage.Key {
	return storage.Key{
		AttrID:                storage.S(s.ID),
		storage.AttrCreatedAt: storage.S(s.CreatedAt),
	}
}

// EncodedMessages returns the messages attribute value.
func (s ChatSession) EncodedMessages() (types.AttributeValue, error) {
	list := make([]types.AttributeValue, len(s.Messages))
	for i, m := range s.Messages {
		enc, err := m.Encode()
		if err != nil {
			return nil, fmt.Errorf("persistence: message %d: %w", i, err)
		}
		list[i] = storage.S(enc)
	}
	return &types.AttributeValueMemberL{Value: list}, nil
}

// Item flattens the session into a storage item. A zero Version is left out
// so the store assigns the first one.
func (s ChatSession) Item() (storage.Item, error) {
	msgs, err := s.EncodedMessages()
	if err != nil {
		return nil, err
	}
	item := storage.Item{
		AttrID:                storage.S(s.ID),
		AttrMessages:          msgs,
		AttrUserID:            storage.S(s.UserID),
		AttrIsActive:          &types.AttributeValueMemberBOOL{Value: s.IsActive},
		AttrTitle:             storage.S(s.Title),
		storage.AttrCreatedAt: storage.S(s.CreatedAt),
		storage.AttrUpdatedAt: storage.S(s.UpdatedAt),
	}
	if s.Version != 0 {
		item[storage.AttrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.Version, 10)}
	}
	return item, nil
}

// SessionFromItem is the inverse of Item. id, user_id, createdAt and
// updatedAt are required; is_active defaults to true and title to empty.
// A message that fails to decode yields a *DecodeError carrying its index.
func SessionFromItem(item storage.Item) (ChatSession, error) {
	s := ChatSession{IsActive: true}
	var err error
	if s.ID, err = requiredString(item, AttrID); err != nil {
		return ChatSession{}, err
	}
	if s.UserID, err = requiredString(item, AttrUserID); err != nil {
		return ChatSession{}, err
	}
	if s.CreatedAt, err = requiredString(item, storage.AttrCreatedAt); err != nil {
		return ChatSession{}, err
	}
	if s.UpdatedAt, err = requiredString(item, storage.AttrUpdatedAt); err != nil {
		return ChatSession{}, err
	}

	if v, ok := item[AttrTitle]; ok {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return ChatSession{}, attrTypeError(AttrTitle, "string")
		}
		s.Title = sv.Value
	}
	if v, ok := item[AttrIsActive]; ok {
		bv, ok := v.(*types.AttributeValueMemberBOOL)
		if !ok {
			return ChatSession{}, attrTypeError(AttrIsActive, "bool")
		}
		s.IsActive = bv.Value
	}
	if v, ok := item[storage.AttrVersion]; ok {
		nv, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return ChatSession{}, attrTypeError(storage.AttrVersion, "number")
		}
		if s.Version, err = strconv.ParseInt(nv.Value, 10, 64); err != nil {
			return ChatSession{}, &DecodeError{Index: -1, Err: fmt.Errorf("attribute %q: %w", storage.AttrVersion, err)}
		}
	}

	if v, ok := item[AttrMessages]; ok {
		lv, ok := v.(*types.AttributeValueMemberL)
		if !ok {
			return ChatSession{}, attrTypeError(AttrMessages, "list")
		}
		for i, e := range lv.Value {
			sv, ok := e.(*types.AttributeValueMemberS)
			if !ok {
				return ChatSession{}, &DecodeError{Index: i, Err: fmt.Errorf("element is %T, want string", e)}
			}
			m, err := DecodeChatMessage(sv.Value)
			if err != nil {
				de := err.(*DecodeError)
				de.Index = i
				return ChatSession{}, de
			}
			s.Messages = append(s.Messages, m)
		}
	}
	return s, nil
}

// FromThread snapshots a domain thread.
func FromThread(t *domain.Thread) ChatSession {
	out := ChatSession{
		ID:        t.ID,
		UserID:    t.UserID,
		IsActive:  t.IsActive,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Version:   t.Version,
	}
	for _, m := range t.Messages() {
		out.Messages = append(out.Messages, MessageFromDomain(m))
	}
	return out
}

// Thread rebuilds the domain thread.
func (s ChatSession) Thread() *domain.Thread {
	msgs := make([]domain.Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = m.Domain()
	}
	return domain.RestoreThread(domain.Thread{
		ID:        s.ID,
		UserID:    s.UserID,
		Title:     s.Title,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Version:   s.Version,
	}, msgs)
}

func requiredString(item storage.Item, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", &DecodeError{Index: -1, Err: fmt.Errorf("attribute %q is missing", name)}
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", attrTypeError(name, "string")
	}
	return sv.Value, nil
}

func attrTypeError(name, want string) error {
	return &DecodeError{Index: -1, Err: fmt.Errorf("attribute %q is not a %s", name, want)}
}
