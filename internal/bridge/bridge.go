// Package bridge moves events between the daemon and its frontends.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	outboxSize  = 256
	inboundSize = 1024
	historySize = 100
)

// Envelope is an outbound message with its encoded frame.
type Envelope struct {
	Message Outbound
	Data    []byte
}

// Handler receives decoded inbound messages from an adapter. It reports
// false when the message was dropped, so the adapter can tell the sender.
type Handler func(msg Inbound) bool

// BusyNotice is what senders are told when their message was dropped.
const BusyNotice = "dewet is busy and dropped your message, please send it again"

// BusyReply is the frame answering a dropped inbound message. Debug
// commands get a failed command_result so callers waiting on one return.
func BusyReply(msg Inbound) Outbound {
	if dc, ok := msg.(DebugCommand); ok {
		return CommandResult{Command: dc.Command, Error: BusyNotice}
	}
	return Log{Level: "warn", Message: BusyNotice, Timestamp: Millis(time.Now())}
}

// Adapter is a transport that carries events to and from frontends.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Deliver(ctx context.Context, env Envelope) error
	OnMessage(h Handler)
	Close() error
}

// Bridge fans outbound events to every adapter and funnels inbound
// messages into one queue.
type Bridge struct {
	adapters []Adapter
	outbox   chan Envelope
	inbound  chan Inbound

	histMu  sync.RWMutex
	history []json.RawMessage

	mu     sync.RWMutex
	logger *zap.Logger
}

// New creates a bridge. logger must not be teed back into the bridge.
func New(logger *zap.Logger) *Bridge {
	return &Bridge{
		outbox:  make(chan Envelope, outboxSize),
		inbound: make(chan Inbound, inboundSize),
		logger:  logger,
	}
}

// Register adds an adapter and wires its inbound messages.
func (b *Bridge) Register(a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.OnMessage(b.Submit)
	b.adapters = append(b.adapters, a)
	b.logger.Info("registered bridge adapter", zap.String("adapter", a.Name()))
}

// Adapters returns the registered adapter names.
func (b *Bridge) Adapters() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.adapters))
	for _, a := range b.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Submit queues an inbound message. It reports false when the queue is
// full and the message was dropped.
func (b *Bridge) Submit(msg Inbound) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		b.logger.Warn("inbound queue full, dropping message", zap.String("type", msg.InboundType()))
		return false
	}
}

// Inbound is the single queue every adapter feeds.
func (b *Bridge) Inbound() <-chan Inbound {
	return b.inbound
}

// Broadcast encodes msg, records it and queues it for delivery without
// blocking. It reports false when the event was dropped.
func (b *Bridge) Broadcast(msg Outbound) bool {
	data, err := Encode(msg)
	if err != nil {
		b.logger.Error("encode outbound", zap.String("type", msg.OutboundType()), zap.Error(err))
		return false
	}
	b.remember(data)

	select {
	case b.outbox <- Envelope{Message: msg, Data: data}:
		return true
	default:
		if _, isLog := msg.(Log); !isLog {
			b.logger.Warn("outbox full, dropping event", zap.String("type", msg.OutboundType()))
		}
		return false
	}
}

func (b *Bridge) remember(data []byte) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, data)
	if over := len(b.history) - historySize; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
}

// History returns up to limit of the most recent events, oldest first.
func (b *Bridge) History(limit int) []json.RawMessage {
	b.histMu.RLock()
	defer b.histMu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]json.RawMessage, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Run connects every adapter and delivers queued events until ctx is
// cancelled, then closes the adapters. An adapter that fails to connect is
// closed and skipped; the others keep running.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.RLock()
	registered := append([]Adapter(nil), b.adapters...)
	b.mu.RUnlock()

	adapters := make([]Adapter, 0, len(registered))
	for _, a := range registered {
		if err := a.Connect(ctx); err != nil {
			b.logger.Warn("adapter failed to connect, skipping",
				zap.String("adapter", a.Name()), zap.Error(err))
			closeAll([]Adapter{a}, b.logger)
			continue
		}
		b.logger.Info("adapter connected", zap.String("adapter", a.Name()))
		adapters = append(adapters, a)
	}
	b.mu.Lock()
	b.adapters = adapters
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			closeAll(adapters, b.logger)
			return nil
		case env := <-b.outbox:
			for _, a := range adapters {
				if err := a.Deliver(ctx, env); err != nil {
					b.logger.Warn("deliver failed",
						zap.String("adapter", a.Name()),
						zap.String("type", env.Message.OutboundType()),
						zap.Error(err))
				}
			}
		}
	}
}

func closeAll(adapters []Adapter, logger *zap.Logger) {
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			logger.Error("adapter close failed", zap.String("adapter", a.Name()), zap.Error(err))
		}
	}
}
