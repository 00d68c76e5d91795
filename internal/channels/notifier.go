// Package channels delivers operator-facing notifications: deploy
// outcomes, merge conflicts, and failed tasks. Telegram is the only
// implemented transport; everything else runs with the no-op notifier.
package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/khufu-labs/hemiunu/internal/bus"
	"github.com/khufu-labs/hemiunu/internal/persistence"
)

// Notifier pushes a human-readable message to a messaging platform.
type Notifier interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Notify delivers one message. Delivery failures are returned, not
	// retried; callers decide whether a lost notification matters.
	Notify(ctx context.Context, message string) error
}

// NopNotifier discards every message. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) Name() string { return "nop" }

func (NopNotifier) Notify(context.Context, string) error { return nil }

// Watcher forwards task failures from the event bus to a notifier.
// Deploy notifications are sent by the deploy cycle itself; this covers
// the runs that die outside a cycle.
type Watcher struct {
	bus      *bus.Bus
	notifier Notifier
	logger   *slog.Logger
}

// NewWatcher wires a Watcher.
func NewWatcher(eventBus *bus.Bus, notifier Notifier, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{bus: eventBus, notifier: notifier, logger: logger}
}

// Start consumes task state changes until the context is done.
func (w *Watcher) Start(ctx context.Context) {
	sub := w.bus.Subscribe(bus.TopicTaskStateChanged)
	defer w.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			change, ok := ev.Payload.(bus.TaskStateChangedEvent)
			if !ok {
				continue
			}
			if change.NewStatus != string(persistence.StatusRed) {
				continue
			}
			msg := "Task " + change.TaskID + " went RED (was " + change.OldStatus + ")."
			if err := w.notifier.Notify(ctx, msg); err != nil {
				w.logger.Warn("notify task failure", "task_id", change.TaskID, "error", err)
			}
		}
	}
}

// truncateMessage keeps notifications inside platform message limits.
func truncateMessage(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.TrimSpace(s[:limit-3]) + "..."
}
