package queue

import (
	"time"

	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

// Message is a queued body with its delivery bookkeeping.
type Message struct {
	ID string `msgpack:"id" json:"id"`
	// Kind is the work kind of Body, when it carries one.
	Kind types.WorkKind `msgpack:"kind" json:"kind,omitempty"`
	// Attempt counts deliveries so far.
	Attempt    int       `msgpack:"attempt" json:"attempt"`
	EnqueuedAt time.Time `msgpack:"enqueued_at" json:"enqueued_at"`
	Body       []byte    `msgpack:"body" json:"body"`
	// LastError is the most recent failure cause, if any.
	LastError string `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
}

// NewMessage wraps body with a fresh id.
func NewMessage(id string, body []byte, now time.Time) *Message {
	kind, _ := wire.PeekKind(body)
	return &Message{
		ID:         id,
		Kind:       kind,
		EnqueuedAt: now.UTC(),
		Body:       body,
	}
}

// EncodeMessage encodes a message envelope as msgpack.
func EncodeMessage(m *Message) ([]byte, error) {
	return wire.Marshal(m)
}

// DecodeMessage decodes a message envelope.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := wire.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Clone returns a copy safe to hand to callers.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	return &c
}
