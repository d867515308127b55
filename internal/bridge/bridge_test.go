package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type captureAdapter struct {
	mu        sync.Mutex
	delivered []Envelope
	handler   Handler
	closed    bool
}

func (c *captureAdapter) Name() string                    { return "capture" }
func (c *captureAdapter) Connect(_ context.Context) error { return nil }
func (c *captureAdapter) OnMessage(h Handler)             { c.handler = h }

func (c *captureAdapter) Deliver(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, env)
	return nil
}

func (c *captureAdapter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureAdapter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeDeliversAndCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(zap.NewNop())
	a := &captureAdapter{}
	b.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.Broadcast(Speak{PersonaID: "lyra", Text: "hi"})
	b.Broadcast(VisionAnalysis{SignificantChange: true})
	waitFor(t, func() bool { return a.count() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !a.closed {
		t.Error("adapter not closed on shutdown")
	}
	if a.delivered[0].Message.OutboundType() != "speak" {
		t.Errorf("first event = %s", a.delivered[0].Message.OutboundType())
	}
}

// brokenAdapter fails to connect, like a relay with a revoked token.
type brokenAdapter struct {
	captureAdapter
}

func (b *brokenAdapter) Name() string { return "discord" }

func (b *brokenAdapter) Connect(_ context.Context) error {
	return errors.New("discord open: 401 unauthorized")
}

func TestRunSkipsAdaptersThatFailToConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(zap.NewNop())
	good := &captureAdapter{}
	broken := &brokenAdapter{}
	b.Register(good)
	b.Register(broken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.Broadcast(Speak{PersonaID: "lyra", Text: "still here"})
	waitFor(t, func() bool { return good.count() == 1 })

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
	if got := b.Adapters(); len(got) != 1 || got[0] != "capture" {
		t.Errorf("adapters = %v, want [capture]", got)
	}
	broken.mu.Lock()
	closed, delivered := broken.closed, len(broken.delivered)
	broken.mu.Unlock()
	if !closed {
		t.Error("failed adapter was not closed")
	}
	if delivered != 0 {
		t.Errorf("failed adapter got %d events, want 0", delivered)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBusyReply(t *testing.T) {
	if got, ok := BusyReply(DebugCommand{Command: "force_speak"}).(CommandResult); !ok || got.Command != "force_speak" || got.Error != BusyNotice {
		t.Errorf("debug command reply = %#v", got)
	}
	if got, ok := BusyReply(UserChat{Text: "hi"}).(Log); !ok || got.Level != "warn" || got.Message != BusyNotice {
		t.Errorf("chat reply = %#v", got)
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	b := New(zap.NewNop())
	for i := 0; i < outboxSize; i++ {
		if !b.Broadcast(Pong{}) {
			t.Fatalf("event %d dropped before outbox was full", i)
		}
	}
	if b.Broadcast(Pong{}) {
		t.Error("broadcast into a full outbox should report a drop")
	}
}

func TestHistoryKeepsLastHundred(t *testing.T) {
	b := New(zap.NewNop())
	for i := 0; i < 150; i++ {
		b.Broadcast(Pong{Nonce: string(rune('a' + i%26))})
	}
	all := b.History(0)
	if len(all) != historySize {
		t.Fatalf("history = %d, want %d", len(all), historySize)
	}
	last := b.History(1)
	var p struct{ Nonce string }
	if err := json.Unmarshal(last[0], &p); err != nil {
		t.Fatal(err)
	}
	if want := string(rune('a' + 149%26)); p.Nonce != want {
		t.Errorf("newest nonce = %q, want %q", p.Nonce, want)
	}
}

func TestAdapterMessagesReachInboundQueue(t *testing.T) {
	b := New(zap.NewNop())
	a := &captureAdapter{}
	b.Register(a)

	a.handler(UserChat{Text: "hello"})
	select {
	case msg := <-b.Inbound():
		if msg != (UserChat{Text: "hello"}) {
			t.Errorf("got %#v", msg)
		}
	default:
		t.Fatal("nothing queued")
	}

	for i := 0; i < inboundSize; i++ {
		b.Submit(UserChat{Text: "x"})
	}
	if b.Submit(UserChat{Text: "overflow"}) {
		t.Error("submit into a full queue should report a drop")
	}
}

func TestLogCoreBroadcastsEntries(t *testing.T) {
	b := New(zap.NewNop())
	logger := zap.New(NewLogCore(b, zapcore.InfoLevel)).With(zap.String("component", "loop"))

	logger.Debug("hidden")
	logger.Info("tick complete", zap.Int("pending", 2))

	events := b.History(0)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	var l Log
	if err := json.Unmarshal(events[0], &l); err != nil {
		t.Fatal(err)
	}
	if l.Level != "info" {
		t.Errorf("level = %q", l.Level)
	}
	if !strings.HasPrefix(l.Message, "tick complete") ||
		!strings.Contains(l.Message, "component=loop") ||
		!strings.Contains(l.Message, "pending=2") {
		t.Errorf("message = %q", l.Message)
	}
}
