package observation

import (
	"math"
	"time"
)

// UserSender is the sender id of the human at the keyboard.
const UserSender = "user"

// HotThreshold is the relevance at or above which an entry is Hot.
const HotThreshold = 0.7

// Tier buckets a chat entry by decayed relevance.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// TierFor maps a relevance to its tier.
func TierFor(relevance, forgetThreshold float64) Tier {
	switch {
	case relevance >= HotThreshold:
		return TierHot
	case relevance >= forgetThreshold:
		return TierWarm
	default:
		return TierCold
	}
}

// ChatEntry is one utterance from the user or a persona.
type ChatEntry struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Relevance float64   `json:"relevance"`
	Tier      Tier      `json:"tier"`
}

// FromUser reports whether the user wrote the entry.
func (e ChatEntry) FromUser() bool { return e.Sender == UserSender }

func (e *ChatEntry) decay(rate, minutes float64) {
	if minutes <= 0 {
		return
	}
	e.Relevance = clamp01(e.Relevance * math.Pow(rate, minutes))
}

func (e *ChatEntry) retier(forgetThreshold float64) {
	e.Tier = TierFor(e.Relevance, forgetThreshold)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ScreenSummary describes one captured frame.
type ScreenSummary struct {
	Timestamp time.Time `json:"timestamp"`
	DiffScore float64   `json:"diff_score"`
	Notes     string    `json:"notes"`
}

// TierStats counts chat entries per tier.
type TierStats struct {
	Hot  int `json:"hot"`
	Warm int `json:"warm"`
	Cold int `json:"cold"`
}
