// Package channel is the boundary to the chat platforms and the operator
// ticketing system. It carries inbound events in and replies out without
// knowing any platform protocol.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/salesagent/internal/storage"
)

// ErrMalformedEvent is returned for inbound payloads that cannot be parsed.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one inbound message from a chat channel.
type Event struct {
	DialogKey   storage.DialogKey `json:"dialog_key"`
	MessageID   string            `json:"message_id,omitempty"`
	Text        string            `json:"text"`
	Attachments []string          `json:"attachments,omitempty"`
	RichPreview bool              `json:"rich_preview,omitempty"`
	System      bool              `json:"system,omitempty"`
	Sender      string            `json:"sender,omitempty"`
}

// Channel sends to a dialog. MarkRead and Typing are best effort.
type Channel interface {
	Send(ctx context.Context, key storage.DialogKey, text string) error
	MarkRead(ctx context.Context, key storage.DialogKey, messageID string) error
	Typing(ctx context.Context, key storage.DialogKey) error
}

// Handoff opens a ticket for a human operator.
type Handoff interface {
	OpenHandoff(ctx context.Context, key storage.DialogKey, contact string) error
}

// DecodeEvent reads one JSON event. The dialog key may be a JSON string or
// integer; integers are rendered in decimal. A missing key is not an error
// here, the orchestrator drops such events.
func DecodeEvent(r io.Reader) (Event, error) {
	var raw struct {
		Event
		DialogKey json.RawMessage `json:"dialog_key"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	ev := raw.Event
	key, err := decodeKey(raw.DialogKey)
	if err != nil {
		return Event{}, err
	}
	ev.DialogKey = key
	return ev, nil
}

func decodeKey(b json.RawMessage) (storage.DialogKey, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", fmt.Errorf("%w: dialog_key: %w", ErrMalformedEvent, err)
		}
		return storage.DialogKey(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", fmt.Errorf("%w: dialog_key: %w", ErrMalformedEvent, err)
	}
	if _, err := n.Int64(); err != nil {
		return "", fmt.Errorf("%w: dialog_key %s is not an integer", ErrMalformedEvent, n)
	}
	return storage.DialogKey(n.String()), nil
}

// Log writes outbound traffic to a logger instead of a platform. It is the
// default when no webhook is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) Send(_ context.Context, key storage.DialogKey, text string) error {
	l.logger().Info("send", "dialog", key, "text", text)
	return nil
}

func (l Log) MarkRead(_ context.Context, key storage.DialogKey, messageID string) error {
	l.logger().Debug("mark read", "dialog", key, "message", messageID)
	return nil
}

func (l Log) Typing(_ context.Context, key storage.DialogKey) error {
	l.logger().Debug("typing", "dialog", key)
	return nil
}

func (l Log) OpenHandoff(_ context.Context, key storage.DialogKey, contact string) error {
	l.logger().Info("handoff requested", "dialog", key, "contact", contact)
	return nil
}
