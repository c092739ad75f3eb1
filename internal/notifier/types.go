package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSinkTimeout   = errors.New("sink timed out")
	ErrNoSender      = errors.New("telegram transport not connected")
	ErrUnknownKind   = errors.New("unknown sink kind")
	ErrDuplicateSink = errors.New("duplicate sink name")
)

// WildcardTag subscribes a sink to every message.
const WildcardTag = "*"

const (
	KindLog      = "log"
	KindTelegram = "telegram"
	KindWebhook  = "webhook"
	KindCommand  = "command"
)

// Message is one reminder notification.
type Message struct {
	TaskID string    `json:"task_id"`
	Tag    string    `json:"tag,omitempty"`
	Title  string    `json:"title"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Result lists sink names by outcome, sorted.
type Result struct {
	Delivered []string
	Failed    []string
}

// Sink delivers a Message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// SinkConfig describes one configured sink.
type SinkConfig struct {
	Name       string
	Kind       string
	Tags       []string
	Default    bool
	RatePerSec float64

	// telegram
	ChatID   int64
	ThreadID int

	// webhook
	URL   string
	Token string

	// command
	Command []string
}

// Config controls routing and delivery bounds.
type Config struct {
	Timeout    time.Duration
	DefaultTag string
	Sinks      []SinkConfig
}

// FailureEvent is published on the event bus when a sink fails.
type FailureEvent struct {
	Sink   string    `json:"sink"`
	TaskID string    `json:"task_id"`
	Tag    string    `json:"tag,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error"`
}
