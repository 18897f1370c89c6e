// Package persistence is the on-storage shape of threads and messages.
//
// A thread is one storage item; each of its messages is kept as a JSON string
// inside the item's messages list so the row stays readable in the console.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"chat-threads/internal/domain"
)

// ErrInvalidRole is reported, wrapped in a *DecodeError, for a stored message
// whose role is neither user nor assistant.
var ErrInvalidRole = domain.ErrInvalidRole

// ErrInvalidUTF8 means a message field cannot be stored without loss.
var ErrInvalidUTF8 = errors.New("persistence: text is not valid UTF-8")

// DecodeError reports a stored value that failed validation.
type DecodeError struct {
	// Index is the position in the messages list, or -1 when the failure is
	// not tied to a single message.
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("persistence: decode: %v", e.Err)
	}
	return fmt.Sprintf("persistence: decode message %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ChatMessage is a message as stored.
type ChatMessage struct {
	ID        string      `json:"id"`
	Message   string      `json:"message"`
	Role      domain.Role `json:"role"`
	CreatedAt string      `json:"createdAt"`
	UpdatedAt string      `json:"updatedAt"`
}

// Encode returns the canonical JSON form the existing table already holds:
// keys in declaration order, ", " and ": " separators, and every character
// outside printable ASCII written as a \u escape. Text that is not valid UTF-8
// is rejected with ErrInvalidUTF8.
func (m ChatMessage) Encode() (string, error) {
	fields := [...]struct{ key, value string }{
		{"id", m.ID},
		{"message", m.Message},
		{"role", string(m.Role)},
		{"createdAt", m.CreatedAt},
		{"updatedAt", m.UpdatedAt},
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if !utf8.ValidString(f.value) {
			return "", fmt.Errorf("persistence: Encode: %s: %w", f.key, ErrInvalidUTF8)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		writeQuoted(&b, f.key)
		b.WriteString(": ")
		writeQuoted(&b, f.value)
	}
	b.WriteByte('}')
	return b.String(), nil
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			b.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(b, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(b, `\u%04x`, r)
		}
	}
	b.WriteByte('"')
}

// DecodeChatMessage parses an encoded message. Malformed JSON, a missing id
// and an unknown role are all reported as *DecodeError.
func DecodeChatMessage(s string) (ChatMessage, error) {
	var raw struct {
		ID        *string `json:"id"`
		Message   string  `json:"message"`
		Role      string  `json:"role"`
		CreatedAt string  `json:"createdAt"`
		UpdatedAt string  `json:"updatedAt"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ChatMessage{}, &DecodeError{Index: -1, Err: err}
	}
	if raw.ID == nil || *raw.ID == "" {
		return ChatMessage{}, &DecodeError{Index: -1, Err: errors.New("message id is missing")}
	}
	role, err := domain.ParseRole(raw.Role)
	if err != nil {
		return ChatMessage{}, &DecodeError{Index: -1, Err: err}
	}
	return ChatMessage{
		ID:        *raw.ID,
		Message:   raw.Message,
		Role:      role,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}, nil
}

// MessageFromDomain converts a domain message.
func MessageFromDomain(m domain.Message) ChatMessage {
	return ChatMessage{
		ID:        m.ID,
		Message:   m.Text,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// Domain converts the stored message back to its domain form.
func (m ChatMessage) Domain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		Text:      m.Message,
		Role:      m.Role,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
