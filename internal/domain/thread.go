package domain

import (
	"github.com/google/uuid"

	"chat-threads/internal/clock"
)

// Thread is a conversation between one user and the assistant.
//
// The message sequence is append-only: Append* adds at the end and nothing in
// this package edits, removes or reorders an existing message. Whether an
// inactive thread may be appended to is decided by the caller.
type Thread struct {
	ID        string
	UserID    string
	Title     string
	IsActive  bool
	CreatedAt string
	UpdatedAt string
	// Version is the optimistic-concurrency token of the stored snapshot this
	// thread was loaded from. Zero means never stored.
	Version int64

	messages []Message
}

// NewThread creates an active, empty thread owned by userID.
func NewThread(userID, title string) *Thread {
	now := clock.Now()
	return &Thread{
		ID:        newID(),
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RestoreThread rebuilds a thread from stored metadata and messages. Any
// messages already held by meta are discarded in favour of msgs.
func RestoreThread(meta Thread, msgs []Message) *Thread {
	t := meta
	t.messages = append([]Message(nil), msgs...)
	return &t
}

// Messages returns a copy of the conversation in order.
func (t *Thread) Messages() []Message {
	return append([]Message(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	return len(t.messages)
}

// LastMessage returns the most recent message, if any.
func (t *Thread) LastMessage() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// AppendUserMessage appends a new user message and returns it.
func (t *Thread) AppendUserMessage(text string) Message {
	return t.append(text, RoleUser)
}

// AppendAssistantMessage appends a new assistant message and returns it.
func (t *Thread) AppendAssistantMessage(text string) Message {
	return t.append(text, RoleAssistant)
}

func (t *Thread) append(text string, role Role) Message {
	now := clock.Now()
	m := Message{
		ID:        newID(),
		Text:      text,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.messages = append(t.messages, m)
	return m
}

var newID = func() string {
	return uuid.NewString()
}
