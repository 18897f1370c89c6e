package domain

import (
	"errors"
	"fmt"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrInvalidRole is returned for any role other than user or assistant.
var ErrInvalidRole = errors.New("domain: invalid role")

// ParseRole validates a raw role value.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single utterance in a thread.
type Message struct {
	ID        string
	Text      string
	Role      Role
	CreatedAt string
	UpdatedAt string
}
