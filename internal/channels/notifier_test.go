package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khufu-labs/hemiunu/internal/bus"
)

type capturingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *capturingNotifier) Name() string { return "capture" }

func (c *capturingNotifier) Notify(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *capturingNotifier) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNopNotifier(t *testing.T) {
	var n NopNotifier
	if n.Name() != "nop" {
		t.Errorf("name = %q", n.Name())
	}
	if err := n.Notify(context.Background(), "anything"); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestNewTelegramNotifierValidation(t *testing.T) {
	if _, err := NewTelegramNotifier("", []int64{1}, nil); err == nil {
		t.Error("empty token accepted")
	}
	if _, err := NewTelegramNotifier("123:abc", nil, nil); err == nil {
		t.Error("empty chat list accepted")
	}
	n, err := NewTelegramNotifier("123:abc", []int64{1, 2}, nil)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if n.Name() != "telegram" {
		t.Errorf("name = %q", n.Name())
	}
}

func TestTruncateMessage(t *testing.T) {
	long := strings.Repeat("x", 100)
	out := truncateMessage(long, 20)
	if len(out) > 20 || !strings.HasSuffix(out, "...") {
		t.Fatalf("out = %q", out)
	}
	if truncateMessage("short", 20) != "short" {
		t.Error("short message modified")
	}
}

func TestWatcherNotifiesOnRed(t *testing.T) {
	eventBus := bus.New()
	notifier := &capturingNotifier{}
	w := NewWatcher(eventBus, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	// Give the watcher time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t-1", OldStatus: "WORKING", NewStatus: "GREEN",
	})
	eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t-2", OldStatus: "WORKING", NewStatus: "RED",
	})

	waitFor(t, time.Second, func() bool { return len(notifier.all()) == 1 })
	msgs := notifier.all()
	if !strings.Contains(msgs[0], "t-2") || !strings.Contains(msgs[0], "RED") {
		t.Errorf("message = %q", msgs[0])
	}

	cancel()
	<-done
}
