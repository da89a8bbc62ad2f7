// Package notify delivers operator alerts (emergency remediation shortfalls,
// stranded transfers, backend errors) to Telegram and Discord, filtered by
// event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event types raised by the router, the transfer backend and the rebalancer.
const (
	EventEmergency        = "emergency"
	EventTransferStranded = "transfer_stranded"
	EventError            = "error"
)

// DefaultCooldown suppresses a repeat of the same alert. The health monitor
// re-detects an unresolved breach on every tick.
const DefaultCooldown = 10 * time.Minute

// Message is one alert as handed to a Sender.
type Message struct {
	Event string
	Title string
	Body  string
}

// Headline is the title tagged with the event type.
func (m Message) Headline() string {
	return "[" + strings.ToUpper(m.Event) + "] " + m.Title
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans alerts out to every Sender. Events outside the configured
// set are dropped, as are repeats of an identical event and title within
// the cooldown.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: DefaultCooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// FromConfig builds a Notifier with one sender per configured channel. With no
// channel configured the Notifier is a silent no-op.
func FromConfig(telegramToken, telegramChatID, discordWebhookURL string, events []string, logger *slog.Logger) *Notifier {
	var senders []Sender
	if telegramToken != "" && telegramChatID != "" {
		senders = append(senders, NewTelegramSender(telegramToken, telegramChatID))
	}
	if discordWebhookURL != "" {
		senders = append(senders, NewDiscordSender(discordWebhookURL))
	}
	return NewNotifier(senders, events, logger)
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify delivers the alert to every sender. A failing sender does not stop
// the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, body string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	if n.suppressed(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "alert suppressed", slog.String("event", event), slog.String("title", title))
		return nil
	}

	msg := Message{Event: event, Title: title, Body: body}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// suppressed records key and reports whether it was sent within cooldown.
func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[key] = now
	return false
}
