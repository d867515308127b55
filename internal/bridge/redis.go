package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

const streamMaxLen = 1000

// RedisMirror copies every outbound event onto a Redis stream and reads
// inbound frames from another, so remote tools can observe and drive the
// daemon.
type RedisMirror struct {
	rdb     *redis.Client
	events  string
	inbound string
	handler Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewRedisMirror connects to cfg.URL.
func NewRedisMirror(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{
		rdb:     rdb,
		events:  cfg.EventStream,
		inbound: cfg.InboundStream,
		logger:  logger,
	}, nil
}

func (m *RedisMirror) Name() string        { return "redis" }
func (m *RedisMirror) OnMessage(h Handler) { m.handler = h }

// Connect starts reading the inbound stream from its current tail.
func (m *RedisMirror) Connect(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(ctx)
	}()
	return nil
}

func (m *RedisMirror) readLoop(ctx context.Context) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{m.inbound, lastID},
			Count:   10,
			Block:   2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, redis.Nil) {
				m.logger.Warn("redis inbound read failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				in, err := DecodeInbound([]byte(data))
				if err != nil {
					m.logger.Warn("dropping redis inbound frame", zap.String("id", msg.ID), zap.Error(err))
					continue
				}
				if m.handler != nil {
					m.handler(in)
				}
			}
		}
	}
}

// Deliver appends the frame to the event stream, trimmed to roughly the
// last thousand entries.
func (m *RedisMirror) Deliver(ctx context.Context, env Envelope) error {
	err := m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.events,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": env.Message.OutboundType(),
			"data": string(env.Data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", m.events, err)
	}
	return nil
}

// Publish writes an inbound frame for the daemon to pick up. Used by
// remote producers such as the debug CLI.
func Publish(ctx context.Context, rdb *redis.Client, stream string, msg Inbound) error {
	data, err := EncodeInbound(msg)
	if err != nil {
		return err
	}
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
}

// Close stops the reader and shuts down the Redis connection.
func (m *RedisMirror) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.rdb.Close()
}
