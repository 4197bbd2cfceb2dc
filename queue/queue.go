// Package queue defines the work queues connecting pipeline stages.
//
// Delivery is at-least-once. A received message is leased for the visibility
// timeout; if it is neither acked nor nacked before the lease expires it
// becomes visible again. Every receive counts as an attempt, and a message
// whose attempts reach MaxReceives is moved to the dead-letter list instead of
// being redelivered. Dead letters are kept until redriven.
package queue

import (
	"context"
	"errors"
	"time"
)

// Defaults applied by Options.WithDefaults.
const (
	DefaultMaxReceives       = 5
	DefaultVisibilityTimeout = 30 * time.Second
)

// Queue names used by the pipeline.
const (
	MapQueue    = "map"
	ReduceQueue = "reduce"
)

var (
	// ErrUnknownReceipt indicates an ack or nack for a lease that no longer
	// exists: already settled, or expired and handed to another consumer.
	ErrUnknownReceipt = errors.New("unknown receipt")

	// ErrClosed indicates the queue was used after Close.
	ErrClosed = errors.New("queue closed")
)

// Delivery is one leased message.
type Delivery struct {
	Message *Message
	// Receipt identifies this lease. It changes on every redelivery.
	Receipt string
}

// Depth counts messages by state.
type Depth struct {
	Queue    string `json:"queue"`
	Ready    int64  `json:"ready"`
	InFlight int64  `json:"in_flight"`
	Dead     int64  `json:"dead"`
}

// DeadLetterHook observes messages as they are dead-lettered.
// It must not block for long; failures are the hook's to log.
type DeadLetterHook func(ctx context.Context, queue string, m *Message)

// Queue is one work queue with its retry and dead-letter policy.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Send enqueues a body and returns the message id.
	Send(ctx context.Context, body []byte) (string, error)

	// Receive leases up to limit ready messages. It does not block; an empty
	// slice means nothing is ready. Expired leases are reclaimed first.
	Receive(ctx context.Context, limit int) ([]*Delivery, error)

	// Ack settles a delivery. The message is removed.
	Ack(ctx context.Context, d *Delivery) error

	// Nack hands a delivery back for immediate redelivery, or dead-letters
	// it when its attempts reached MaxReceives. cause is recorded.
	Nack(ctx context.Context, d *Delivery, cause error) error

	// DeadLetters returns up to limit dead-lettered messages, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]*Message, error)

	// Redrive moves dead letters back to ready with their attempts reset.
	// No ids means all. Returns the number moved.
	Redrive(ctx context.Context, ids ...string) (int, error)

	// Depth returns message counts.
	Depth(ctx context.Context) (Depth, error)

	// Close releases resources.
	Close() error
}

// Options configures retry behavior shared by all backends.
type Options struct {
	// MaxReceives is the delivery budget before dead-lettering (default 5).
	MaxReceives int
	// VisibilityTimeout is the lease duration of a delivery (default 30s).
	VisibilityTimeout time.Duration
	// OnDeadLetter is called for every dead-lettered message, if set.
	OnDeadLetter DeadLetterHook
	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.MaxReceives <= 0 {
		o.MaxReceives = DefaultMaxReceives
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CauseString renders a nack cause for storage.
func CauseString(err error) string {
	if err == nil {
		return "nacked"
	}
	return err.Error()
}

// Cause recorded for leases reclaimed after the visibility timeout.
const CauseLeaseExpired = "visibility timeout expired"
