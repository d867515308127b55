package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/persona"
)

// Postgres wraps a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a store with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

func (s *Postgres) RecordChat(ctx context.Context, rec ChatRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_messages (id, sender, content, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Sender, rec.Content, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("record chat: %w", err)
	}
	return nil
}

func (s *Postgres) RecentChat(ctx context.Context, limit int) ([]ChatRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, sender, content, created_at FROM (
			SELECT id, sender, content, created_at FROM chat_messages
			ORDER BY created_at DESC LIMIT $1
		) recent ORDER BY created_at ASC`, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var rec ChatRecord
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Content, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO decisions (id, created_at, should_respond, responder_id, reasoning, suggested_mood, urgency, context_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Timestamp, rec.ShouldRespond, rec.ResponderID,
		rec.Reasoning, rec.SuggestedMood, rec.Urgency, rec.ContextSummary)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (s *Postgres) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, created_at, should_respond, responder_id, reasoning, suggested_mood, urgency, context_summary
		FROM decisions ORDER BY created_at DESC LIMIT $1`, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.ShouldRespond, &rec.ResponderID,
			&rec.Reasoning, &rec.SuggestedMood, &rec.Urgency, &rec.ContextSummary); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM decisions WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *Postgres) Put(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Postgres) SavePersonaState(ctx context.Context, id string, st persona.State) error {
	var lastSpoke *time.Time
	if !st.LastSpoke.IsZero() {
		lastSpoke = &st.LastSpoke
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO persona_state (persona_id, mood, last_spoke, affinity, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (persona_id) DO UPDATE SET
			mood = EXCLUDED.mood,
			last_spoke = EXCLUDED.last_spoke,
			affinity = EXCLUDED.affinity,
			updated_at = EXCLUDED.updated_at`,
		id, st.Mood, lastSpoke, st.Affinity)
	if err != nil {
		return fmt.Errorf("save persona state %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) LoadPersonaStates(ctx context.Context) (map[string]persona.State, error) {
	rows, err := s.db.Query(ctx, `SELECT persona_id, mood, last_spoke, affinity FROM persona_state`)
	if err != nil {
		return nil, fmt.Errorf("load persona states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]persona.State)
	for rows.Next() {
		var id string
		var st persona.State
		var lastSpoke *time.Time
		if err := rows.Scan(&id, &st.Mood, &lastSpoke, &st.Affinity); err != nil {
			return nil, fmt.Errorf("scan persona state: %w", err)
		}
		if lastSpoke != nil {
			st.LastSpoke = *lastSpoke
		}
		out[id] = st
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
