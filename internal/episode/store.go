package episode

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

// Store handles Neo4j operations for episodic memory.
type Store struct {
	driver neo4j.DriverWithContext
	decay  DecayConfig
	logger *zap.Logger
}

// Open connects to Neo4j and ensures constraints exist. It returns
// ErrDisabled when cfg.URI is empty.
func Open(ctx context.Context, cfg config.EpisodesConfig, logger *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, ErrDisabled
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j: %w", err)
	}

	decay := DefaultDecayConfig()
	if cfg.Decay > 0 {
		decay.Factor = cfg.Decay
	}
	if cfg.GraceH > 0 {
		decay.Grace = time.Duration(cfg.GraceH) * time.Hour
	}
	if cfg.Floor > 0 {
		decay.Floor = cfg.Floor
	}

	s := &Store{driver: driver, decay: decay, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	logger.Info("Neo4j episode store connected", zap.String("uri", cfg.URI))
	return s, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT persona_id IF NOT EXISTS FOR (p:Persona) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX episode_created IF NOT EXISTS FOR (e:Episode) ON (e.created_at)`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure episode schema: %w", err)
		}
	}
	return nil
}

// Record links a new episode to its persona.
func (s *Store) Record(ctx context.Context, ep *Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	ep.Importance = clampImportance(ep.Importance)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (p:Persona {id: $personaId})
		 CREATE (p)-[:SAID]->(e:Episode {
			id: $id, persona_id: $personaId, text: $text, mood: $mood,
			importance: $importance, created_at: $createdAt
		 })`,
		map[string]interface{}{
			"id":         ep.ID,
			"personaId":  ep.PersonaID,
			"text":       ep.Text,
			"mood":       ep.Mood,
			"importance": ep.Importance,
			"createdAt":  ep.CreatedAt.UTC(),
		})
	if err != nil {
		return fmt.Errorf("record episode: %w", err)
	}
	return nil
}

// Recent returns a persona's latest episodes, newest first. An empty
// persona ID matches every persona.
func (s *Store) Recent(ctx context.Context, personaID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (p:Persona)-[:SAID]->(e:Episode)
		 WHERE $personaId = '' OR p.id = $personaId
		 RETURN e.id, e.persona_id, e.text, e.mood, e.importance, e.created_at
		 ORDER BY e.created_at DESC LIMIT $limit`,
		map[string]interface{}{"personaId": personaID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}

	var episodes []Episode
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("e.id")
		persona, _ := rec.Get("e.persona_id")
		text, _ := rec.Get("e.text")
		mood, _ := rec.Get("e.mood")
		importance, _ := rec.Get("e.importance")
		createdAt, _ := rec.Get("e.created_at")

		ep := Episode{
			ID:         id.(string),
			PersonaID:  persona.(string),
			Text:       text.(string),
			Importance: importance.(float64),
		}
		if m, ok := mood.(string); ok {
			ep.Mood = m
		}
		if t, ok := createdAt.(time.Time); ok {
			ep.CreatedAt = t
		}
		episodes = append(episodes, ep)
	}
	return episodes, result.Err()
}

// DecaySweep multiplies the importance of every episode older than the
// grace period by the decay factor, clamped to the floor.
func (s *Store) DecaySweep(ctx context.Context) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Episode)
		 WHERE e.importance > $floor AND e.created_at < $cutoff
		 SET e.importance = CASE
		   WHEN e.importance * $factor < $floor THEN $floor
		   ELSE e.importance * $factor
		 END
		 RETURN count(e) AS updated`,
		map[string]interface{}{
			"floor":  s.decay.Floor,
			"factor": s.decay.Factor,
			"cutoff": time.Now().Add(-s.decay.Grace).UTC(),
		})
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}

	var updated int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("updated"); ok {
			updated = int(v.(int64))
		}
	}
	s.logger.Info("Episode decay sweep complete", zap.Int("updated", updated))
	return updated, nil
}

// Prune deletes episodes whose importance has reached the floor.
func (s *Store) Prune(ctx context.Context) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Episode) WHERE e.importance <= $floor
		 WITH e, e.id AS id
		 DETACH DELETE e
		 RETURN count(id) AS pruned`,
		map[string]interface{}{"floor": s.decay.Floor})
	if err != nil {
		return 0, fmt.Errorf("prune episodes: %w", err)
	}

	var pruned int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("pruned"); ok {
			pruned = int(v.(int64))
		}
	}
	if pruned > 0 {
		s.logger.Info("Episodes pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}
