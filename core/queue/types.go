package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the delivery class of a message. Lower values are served first.
type Priority int8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground

	PriorityDefault = PriorityMedium
)

var priorityNames = [...]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityMedium:     "medium",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

// Priorities lists every priority class from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground}
}

// Valid reports whether p is one of the defined classes.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int8(p))
	}
	return priorityNames[p]
}

// QueueName returns the queue a message of this class lands in under the default topology.
func (p Priority) QueueName() string {
	return p.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPriority
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name (case-insensitive) into a Priority.
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Metadata is the mutable delivery state carried with a message.
type Metadata struct {
	CreatedAt  time.Time         `json:"created_at"`
	RetryCount int               `json:"retry_count"`
	TraceID    string            `json:"trace_id"`
	LastError  string            `json:"last_error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Message is a unit of work. Payload is opaque to the queue.
type Message struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata Metadata        `json:"metadata"`

	// Receipt identifies the delivery that handed out this copy of the message.
	// Dequeue sets it; Ack, Nack and Extend settle exactly that delivery, so a
	// copy whose lease was reclaimed and handed to someone else settles nothing.
	Receipt string `json:"-"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.Metadata.Attributes != nil {
		c.Metadata.Attributes = make(map[string]string, len(m.Metadata.Attributes))
		for k, v := range m.Metadata.Attributes {
			c.Metadata.Attributes[k] = v
		}
	}
	return &c
}

// Lease is a time-bounded claim on a message held in the processing set.
type Lease struct {
	MessageID string
	Queue     string
	ExpiresAt time.Time
	Message   *Message

	// Token is unique per lease. A message leased again after a reclaim gets a
	// new token, so moves conditioned on the old one no longer match.
	Token string

	// DecodeErr is set when the stored message body could not be decoded. Message
	// then carries only the id, the queue and the raw body as payload.
	DecodeErr error
}

// Expired reports whether the lease is past its visibility timeout at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DeadLetterRecord is the append-only quarantine entry for a message that exhausted
// its retry budget.
type DeadLetterRecord struct {
	Message         *Message  `json:"message"`
	DeadLetterQueue string    `json:"dead_letter_queue"`
	OriginalQueue   string    `json:"original_queue"`
	DeadLetteredAt  time.Time `json:"dead_lettered_at"`
	FinalRetryCount int       `json:"final_retry_count"`
	Reason          string    `json:"reason,omitempty"`
}

// QueueStats is a point-in-time view of one queue's sets.
type QueueStats struct {
	Queue           string `json:"queue"`
	DeadLetterQueue string `json:"dead_letter_queue"`
	Pending         int64  `json:"pending"`
	Delayed         int64  `json:"delayed"`
	Processing      int64  `json:"processing"`
	DeadLettered    int64  `json:"dead_lettered"`
}
