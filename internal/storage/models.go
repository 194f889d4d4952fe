package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyProcessed is returned by RecordReply when the message already
// has its reply.
var ErrAlreadyProcessed = errors.New("message already processed")

// Status is the lifecycle state of a stored message.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
)

// Message is one inbound email. ProviderID is the mail provider's immutable
// message id and the natural key for upserts.
type Message struct {
	ID           string
	ProviderID   string
	ThreadID     string
	From         string
	To           string
	Subject      string
	Snippet      string
	BodyText     string
	ThreadHeader string // original Message-ID, used for In-Reply-To
	Status       Status
	ReceivedAt   time.Time
	ReplySentAt  *time.Time
}

// Reply is an append-only record of a sent answer.
type Reply struct {
	ID               string
	MessageID        string
	Model            string
	Text             string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Stats summarizes store contents for status output.
type Stats struct {
	Messages  int `json:"messages"`
	Processed int `json:"processed"`
	Replies   int `json:"replies"`
}

// MessageStore is the contract both the SQLite and Postgres backends satisfy.
type MessageStore interface {
	// UpsertMessage inserts m keyed by ProviderID. An existing row only has
	// its subject updated. The stored row is returned.
	UpsertMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessageByProviderID(ctx context.Context, providerID string) (Message, error)
	// RecordReply appends r and marks its message processed in one
	// transaction. A message that is already processed is left untouched and
	// ErrAlreadyProcessed is returned.
	RecordReply(ctx context.Context, r Reply) error
	ListReplies(ctx context.Context, limit int) ([]Reply, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
