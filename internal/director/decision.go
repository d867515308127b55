package director

import "time"

// Decision is the outcome of one evaluation: Pass or Speak.
type Decision interface {
	decision()
}

// Pass means nobody speaks this tick.
type Pass struct {
	Reason  string  `json:"reason"`
	Urgency float64 `json:"urgency"`
}

// Speak carries an approved utterance.
type Speak struct {
	PersonaID string  `json:"persona_id"`
	Text      string  `json:"text"`
	Urgency   float64 `json:"urgency"`
	Reason    string  `json:"reason"`
	Mood      string  `json:"mood,omitempty"`
}

func (Pass) decision()  {}
func (Speak) decision() {}

// Stages of the pipeline that call a model.
const (
	StageChange   = "change"
	StageArbiter  = "arbiter"
	StageResponse = "response"
	StageAudit    = "audit"
)

// PromptLog records one model exchange with images replaced by a count.
type PromptLog struct {
	Stage     string        `json:"stage"`
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt"`
	Response  string        `json:"response"`
	Error     string        `json:"error,omitempty"`
	Images    int           `json:"images"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChangeReport is the change-detection verdict for a tick.
type ChangeReport struct {
	Checked           bool   `json:"checked"`
	SignificantChange bool   `json:"significant_change"`
	Description       string `json:"description"`
}

// Result bundles a decision with the diagnostics gathered on the way.
type Result struct {
	Decision    Decision      `json:"decision"`
	Change      ChangeReport  `json:"change"`
	Eligibility []Eligibility `json:"eligibility,omitempty"`
	PromptLogs  []PromptLog   `json:"prompt_logs,omitempty"`
}

// Kind names the decision variant for wire encoding.
func Kind(d Decision) string {
	switch d.(type) {
	case Speak, *Speak:
		return "speak"
	default:
		return "pass"
	}
}
