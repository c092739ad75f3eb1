package transport

import "context"

// Message is an inbound chat message (commands are parsed from Text).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotCommand is one entry of the chat client's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Sender delivers text to a chat. Reminder sinks and the log sink only need this half.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a full chat transport: outbound sends plus an inbound message stream.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}
