package loop

import (
	"context"
	"time"

	"github.com/nidhogg/dewet/internal/dashboard"
	"github.com/nidhogg/dewet/internal/observation"
)

// DecisionSummary is the most recent decision as shown to readers.
type DecisionSummary struct {
	Kind      string    `json:"kind"`
	PersonaID string    `json:"persona_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Reason    string    `json:"reason"`
	Urgency   float64   `json:"urgency"`
	At        time.Time `json:"at"`
}

// PersonaStatus is a persona's runtime state.
type PersonaStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color,omitempty"`
	Mood      string     `json:"mood"`
	Affinity  float64    `json:"affinity"`
	LastSpoke *time.Time `json:"last_spoke,omitempty"`
}

// Snapshot is a read-only copy of the loop's state.
type Snapshot struct {
	Ticks        int64                       `json:"ticks"`
	Pending      int                         `json:"pending"`
	Tiers        observation.TierStats       `json:"tiers"`
	Chat         []observation.ChatEntry     `json:"chat"`
	Screen       []observation.ScreenSummary `json:"screen"`
	Personas     []PersonaStatus             `json:"personas"`
	LastDecision *DecisionSummary            `json:"last_decision,omitempty"`
	Notes        dashboard.Notes             `json:"notes"`
}

// Snapshot asks the loop goroutine for a copy of its state. It blocks until
// the loop answers or ctx is done, so it only returns while Run is active.
func (l *Loop) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case l.snapshots <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (l *Loop) snapshot() Snapshot {
	s := Snapshot{
		Ticks:   l.ticks,
		Pending: l.buffer.PendingCount(),
		Tiers:   l.buffer.TierStats(),
		Chat:    l.buffer.ChatHistory(),
		Screen:  l.buffer.ScreenHistory(),
		Notes:   l.notes,
	}
	for _, c := range l.director.Characters() {
		ps := PersonaStatus{
			ID:       c.Spec.ID,
			Name:     c.Spec.Name,
			Color:    c.Spec.Color,
			Mood:     c.State.Mood,
			Affinity: c.State.Affinity,
		}
		if !c.State.LastSpoke.IsZero() {
			t := c.State.LastSpoke
			ps.LastSpoke = &t
		}
		s.Personas = append(s.Personas, ps)
	}
	if l.last != nil {
		d := *l.last
		s.LastDecision = &d
	}
	return s
}
