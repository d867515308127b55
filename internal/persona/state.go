package persona

import "time"

const defaultMood = "neutral"

// State is a persona's mutable runtime state. LastSpoke is zero until the
// persona first speaks; it is kept after the cooldown window elapses so
// eligibility can still measure silence.
type State struct {
	Mood      string    `json:"mood"`
	LastSpoke time.Time `json:"last_spoke,omitempty"`
	Affinity  float64   `json:"affinity"`
}

// NewState returns the Idle state.
func NewState() State {
	return State{Mood: defaultMood, Affinity: 0.5}
}

// UpdateLastSpoke moves the persona to Spoke(at=now).
func (s *State) UpdateLastSpoke(now time.Time) {
	s.LastSpoke = now
}

// IsOnCooldown reports whether the persona spoke less than window ago.
func (s State) IsOnCooldown(window time.Duration, now time.Time) bool {
	if s.LastSpoke.IsZero() {
		return false
	}
	return now.Sub(s.LastSpoke) < window
}

// TimeSinceLastSpoke returns the elapsed time since the persona last spoke.
// ok is false when it has never spoken.
func (s State) TimeSinceLastSpoke(now time.Time) (d time.Duration, ok bool) {
	if s.LastSpoke.IsZero() {
		return 0, false
	}
	return now.Sub(s.LastSpoke), true
}

// Reset clears the cooldown and restores the default mood.
func (s *State) Reset() {
	s.LastSpoke = time.Time{}
	s.Mood = defaultMood
}
