// Package convert maps domain threads onto the API contract, which uses
// integer identifiers and millisecond epoch timestamps.
//
// Both mappings are lossy and one-way. A value that cannot be converted
// exactly falls back to a substitute; the fallback is logged and counted,
// never returned as an error.
package convert

import (
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chat-threads/internal/domain"
	"chat-threads/internal/metrics"
)

// idModulus bounds fallback identifiers.
const idModulus = 10_000_000

// Message is a message as the API returns it.
type Message struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// Thread is a thread as the API returns it.
type Thread struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
	IsActive  bool      `json:"isActive"`
}

// ID maps an opaque identifier to an integer. The first dash-separated
// segment is read as hexadecimal, which for a UUID is its leading 32 bits.
// Otherwise the FNV-1a hash of s modulo 10,000,000 is used and fallback is
// true. Distinct inputs may collide.
func ID(s string) (id int64, fallback bool) {
	head, _, _ := strings.Cut(s, "-")
	if n, err := strconv.ParseUint(head, 16, 63); err == nil {
		return int64(n), false
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	id = int64(h.Sum64() % idModulus)
	observeFallback("id", s)
	return id, true
}

// timestamp layouts accepted by Millis; zone-less values are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Millis maps an ISO-8601 timestamp to Unix milliseconds. An unparseable
// value maps to the current time and fallback is true.
func Millis(ts string) (ms int64, fallback bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UnixMilli(), false
		}
	}
	observeFallback("timestamp", ts)
	return time.Now().UnixMilli(), true
}

// MessageView converts one message.
func MessageView(m domain.Message) Message {
	id, _ := ID(m.ID)
	ts, _ := Millis(m.CreatedAt)
	return Message{
		ID:        id,
		Text:      m.Text,
		Sender:    string(m.Role),
		Timestamp: ts,
	}
}

// ThreadView converts a thread and all its messages.
func ThreadView(t *domain.Thread) Thread {
	id, _ := ID(t.ID)
	created, _ := Millis(t.CreatedAt)
	updated, _ := Millis(t.UpdatedAt)
	msgs := t.Messages()
	out := Thread{
		ID:        id,
		Title:     t.Title,
		Messages:  make([]Message, len(msgs)),
		CreatedAt: created,
		UpdatedAt: updated,
		IsActive:  t.IsActive,
	}
	for i, m := range msgs {
		out.Messages[i] = MessageView(m)
	}
	return out
}

func observeFallback(kind, input string) {
	metrics.ConversionFallbacks.WithLabelValues(kind).Inc()
	slog.Warn("conversion fallback", "kind", kind, "input", input)
}
