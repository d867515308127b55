package director

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/dewet/internal/provider"
)

var changeSchema = provider.Schema{
	Name: "change_detection",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "significant_change": {"type": "boolean"},
    "description": {"type": "string"}
  },
  "required": ["significant_change", "description"],
  "additionalProperties": false
}`),
}

var arbiterSchema = provider.Schema{
	Name: "arbiter_decision",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "should_respond": {"type": "boolean"},
    "responder_id": {"type": "string", "description": "Companion id who should respond, or empty string for nobody"},
    "reasoning": {"type": "string"},
    "suggested_mood": {"type": "string", "description": "Mood for the reply, or empty string for neutral"},
    "urgency": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["should_respond", "responder_id", "reasoning", "suggested_mood", "urgency"],
  "additionalProperties": false
}`),
}

var auditSchema = provider.Schema{
	Name: "reply_audit",
	Definition: json.RawMessage(`{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["approve", "revise", "block"]},
    "text": {"type": "string", "description": "Replacement reply when revising, otherwise empty string"},
    "reason": {"type": "string", "description": "Why the reply was revised or blocked, or empty string"}
  },
  "required": ["status", "text", "reason"],
  "additionalProperties": false
}`),
}

var errMissingField = errors.New("missing required field")

func decodeChange(raw json.RawMessage) (ChangeReport, error) {
	var v struct {
		SignificantChange *bool  `json:"significant_change"`
		Description       string `json:"description"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ChangeReport{}, fmt.Errorf("decode change verdict: %w", err)
	}
	if v.SignificantChange == nil {
		return ChangeReport{}, fmt.Errorf("decode change verdict: %w significant_change", errMissingField)
	}
	return ChangeReport{Checked: true, SignificantChange: *v.SignificantChange, Description: strings.TrimSpace(v.Description)}, nil
}

// arbiterVerdict is the typed arbiter answer. ResponderID and Mood are ""
// when absent.
type arbiterVerdict struct {
	ShouldRespond bool
	ResponderID   string
	Reasoning     string
	Mood          string
	Urgency       float64
}

func decodeArbiter(raw json.RawMessage) (arbiterVerdict, error) {
	var v struct {
		ShouldRespond *bool    `json:"should_respond"`
		ResponderID   *string  `json:"responder_id"`
		Reasoning     string   `json:"reasoning"`
		SuggestedMood *string  `json:"suggested_mood"`
		Urgency       *float64 `json:"urgency"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return arbiterVerdict{}, fmt.Errorf("decode arbiter decision: %w", err)
	}
	if v.ShouldRespond == nil {
		return arbiterVerdict{}, fmt.Errorf("decode arbiter decision: %w should_respond", errMissingField)
	}
	out := arbiterVerdict{
		ShouldRespond: *v.ShouldRespond,
		Reasoning:     strings.TrimSpace(v.Reasoning),
	}
	if v.ResponderID != nil {
		out.ResponderID = strings.TrimSpace(*v.ResponderID)
	}
	if v.SuggestedMood != nil {
		out.Mood = strings.TrimSpace(*v.SuggestedMood)
	}
	if v.Urgency != nil {
		out.Urgency = clampUrgency(*v.Urgency)
	}
	return out, nil
}

// auditOutcome is one of auditApprove, auditRevise or auditBlock.
type auditOutcome interface {
	audit()
}

type auditApprove struct{}

type auditRevise struct{ Text string }

type auditBlock struct{ Reason string }

func (auditApprove) audit() {}
func (auditRevise) audit()  {}
func (auditBlock) audit()   {}

func decodeAudit(raw json.RawMessage) (auditOutcome, error) {
	var v struct {
		Status string  `json:"status"`
		Text   *string `json:"text"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode audit: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(v.Status)) {
	case "approve":
		return auditApprove{}, nil
	case "revise":
		if v.Text == nil || strings.TrimSpace(*v.Text) == "" {
			return nil, fmt.Errorf("decode audit: %w text for revise", errMissingField)
		}
		return auditRevise{Text: *v.Text}, nil
	case "block":
		return auditBlock{Reason: strings.TrimSpace(v.Reason)}, nil
	default:
		return nil, fmt.Errorf("decode audit: unexpected status %q", v.Status)
	}
}

func clampUrgency(u float64) float64 {
	if u != u || u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}
