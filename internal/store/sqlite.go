package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/dewet/internal/persona"
)

// tsLayout sorts lexically in UTC.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the default single-file store.
type SQLite struct {
	db      *sql.DB
	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
	logger  *zap.Logger
}

// NewSQLite opens or creates a database at path.
func NewSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLite) newID(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		sender     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_messages(created_at);

	CREATE TABLE IF NOT EXISTS decisions (
		id              TEXT PRIMARY KEY,
		created_at      TEXT NOT NULL,
		should_respond  INTEGER NOT NULL,
		responder_id    TEXT NOT NULL DEFAULT '',
		reasoning       TEXT NOT NULL DEFAULT '',
		suggested_mood  TEXT NOT NULL DEFAULT '',
		urgency         REAL NOT NULL DEFAULT 0,
		context_summary TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at DESC);

	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS persona_state (
		persona_id TEXT PRIMARY KEY,
		mood       TEXT NOT NULL,
		last_spoke TEXT,
		affinity   REAL NOT NULL
	);`)
	return err
}

func (s *SQLite) RecordChat(ctx context.Context, rec ChatRecord) error {
	if rec.ID == "" {
		rec.ID = s.newID(rec.Timestamp)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, sender, content, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Sender, rec.Content, formatTS(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("record chat: %w", err)
	}
	return nil
}

func (s *SQLite) RecentChat(ctx context.Context, limit int) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, content, created_at FROM (
			SELECT id, sender, content, created_at FROM chat_messages
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var rec ChatRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		rec.Timestamp = parseTS(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = s.newID(rec.Timestamp)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, created_at, should_respond, responder_id, reasoning, suggested_mood, urgency, context_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, formatTS(rec.Timestamp), rec.ShouldRespond, rec.ResponderID,
		rec.Reasoning, rec.SuggestedMood, rec.Urgency, rec.ContextSummary)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (s *SQLite) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, should_respond, responder_id, reasoning, suggested_mood, urgency, context_summary
		FROM decisions ORDER BY created_at DESC, id DESC LIMIT ?`, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.ShouldRespond, &rec.ResponderID,
			&rec.Reasoning, &rec.SuggestedMood, &rec.Urgency, &rec.ContextSummary); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.Timestamp = parseTS(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) PruneDecisions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < ?`, formatTS(before))
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) SavePersonaState(ctx context.Context, id string, st persona.State) error {
	var lastSpoke sql.NullString
	if !st.LastSpoke.IsZero() {
		lastSpoke = sql.NullString{String: formatTS(st.LastSpoke), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_state (persona_id, mood, last_spoke, affinity) VALUES (?, ?, ?, ?)
		ON CONFLICT(persona_id) DO UPDATE SET
			mood = excluded.mood,
			last_spoke = excluded.last_spoke,
			affinity = excluded.affinity`,
		id, st.Mood, lastSpoke, st.Affinity)
	if err != nil {
		return fmt.Errorf("save persona state %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) LoadPersonaStates(ctx context.Context) (map[string]persona.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT persona_id, mood, last_spoke, affinity FROM persona_state`)
	if err != nil {
		return nil, fmt.Errorf("load persona states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]persona.State)
	for rows.Next() {
		var id string
		var st persona.State
		var lastSpoke sql.NullString
		if err := rows.Scan(&id, &st.Mood, &lastSpoke, &st.Affinity); err != nil {
			return nil, fmt.Errorf("scan persona state: %w", err)
		}
		if lastSpoke.Valid {
			st.LastSpoke = parseTS(lastSpoke.String)
		}
		out[id] = st
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
