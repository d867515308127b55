package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/persona"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("store: not found")

// ChatRecord is a persisted chat line.
type ChatRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionRecord is the arbiter verdict for one evaluation, kept for audit.
type DecisionRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ShouldRespond  bool      `json:"should_respond"`
	ResponderID    string    `json:"responder_id"`
	Reasoning      string    `json:"reasoning"`
	SuggestedMood  string    `json:"suggested_mood,omitempty"`
	Urgency        float64   `json:"urgency"`
	ContextSummary string    `json:"context_summary"`
}

// Store persists chat history, decisions, persona state and small settings.
type Store interface {
	RecordChat(ctx context.Context, rec ChatRecord) error
	// RecentChat returns up to limit records, oldest first.
	RecentChat(ctx context.Context, limit int) ([]ChatRecord, error)
	RecordDecision(ctx context.Context, rec DecisionRecord) error
	// RecentDecisions returns up to limit records, newest first.
	RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	PruneDecisions(ctx context.Context, before time.Time) (int64, error)

	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error

	SavePersonaState(ctx context.Context, id string, st persona.State) error
	LoadPersonaStates(ctx context.Context) (map[string]persona.State, error)

	Close() error
}

// Open connects the configured driver and prepares its schema.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory store")
		return NewMemory(), nil
	case "sqlite", "":
		s, err := NewSQLite(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx, cfg.MigrationsDir); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
