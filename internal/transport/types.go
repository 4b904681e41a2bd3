package transport

import "context"

// HealthState is the coarse connection signal the platform adapter reports.
type HealthState string

const (
	HealthReady        HealthState = "ready"
	HealthDisconnected HealthState = "disconnected"
	HealthReconnecting HealthState = "reconnecting"
	HealthResumed      HealthState = "resumed"
	HealthError        HealthState = "error"
)

// Callback is a button press on a message the bot posted earlier.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
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

// Button is an inline button; Data comes back as Callback.Data.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons is an inline keyboard, one slice per row. On edits an empty
	// keyboard removes the existing one.
	Buttons [][]Button
}

// Adapter is the outbound side of the platform: every call here is a
// suspension point and, in production, goes through the task queue.
type Adapter interface {
	Start(ctx context.Context, out chan<- Callback) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// HealthSource is implemented by adapters that report connection health.
type HealthSource interface {
	OnHealth(fn func(HealthState))
}
