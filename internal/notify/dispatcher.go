// Package notify delivers fire-and-forget member notifications over a side
// channel. Dispatch never participates in store transactions: a failed send
// is logged and reported, and no ledger or roster write is rolled back
// because of it.
package notify

import (
	"context"
	"strings"
	"sync"

	"rostercore/pkg/domain"
)

// Channel selects the delivery medium for a notification.
type Channel string

// Supported delivery channels.
const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// ParseChannel normalizes a raw channel token.
func ParseChannel(v string) (Channel, bool) {
	switch Channel(strings.ToLower(strings.TrimSpace(v))) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelChat:
		return ChannelChat, true
	default:
		return "", false
	}
}

// TemplateFeeOverdue identifies the dues-reminder template rendered by the
// downstream delivery agent.
const TemplateFeeOverdue = "fee_overdue"

// Notification is one message for the dispatcher. Rendering happens
// downstream; the dispatcher only carries the template id and its data.
type Notification struct {
	Channel    Channel           `json:"channel"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Data       map[string]string `json:"data,omitempty"`
}

func (n Notification) validate() error {
	if _, ok := ParseChannel(string(n.Channel)); !ok {
		return domain.ErrInvalidArgument{Field: "channel", Reason: "must be email or chat"}
	}
	if strings.TrimSpace(n.Recipient) == "" {
		return domain.ErrInvalidArgument{Field: "recipient", Reason: "required"}
	}
	if strings.TrimSpace(n.TemplateID) == "" {
		return domain.ErrInvalidArgument{Field: "template_id", Reason: "required"}
	}
	return nil
}

// Dispatcher hands a notification to a delivery backend.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// Logger matches the method set of *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MemoryDispatcher collects notifications in-process for tests and local
// development.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

// NewMemoryDispatcher constructs an empty in-process dispatcher.
func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

// Send records the notification.
func (d *MemoryDispatcher) Send(_ context.Context, n Notification) error {
	if err := n.validate(); err != nil {
		return err
	}
	if n.Data != nil {
		data := make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	d.mu.Lock()
	d.sent = append(d.sent, n)
	d.mu.Unlock()
	return nil
}

// Sent returns a defensive copy of everything recorded so far.
func (d *MemoryDispatcher) Sent() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}
