package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessage is returned when an inbound frame has an unrecognised
// "type" tag.
var ErrUnknownMessage = errors.New("bridge: unknown message type")

// Inbound is a message sent to the daemon by a frontend or relay.
type Inbound interface {
	InboundType() string
}

type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}

type UserChat struct {
	Text string `json:"text"`
}

// RenderResult carries the frontend's rendered context panels as base64
// PNGs.
type RenderResult struct {
	Memory string `json:"memory"`
	Chat   string `json:"chat"`
	Status string `json:"status"`
}

type DashboardRenderResult struct {
	Image string `json:"image"`
}

type DebugCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (Ping) InboundType() string                  { return "ping" }
func (UserChat) InboundType() string              { return "user_chat" }
func (RenderResult) InboundType() string          { return "render_result" }
func (DashboardRenderResult) InboundType() string { return "dashboard_render_result" }
func (DebugCommand) InboundType() string          { return "debug_command" }

// DecodeInbound parses one tagged inbound frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Inbound
	var err error
	switch head.Type {
	case "ping":
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	case "user_chat":
		var m UserChat
		err = json.Unmarshal(data, &m)
		msg = m
	case "render_result":
		var m RenderResult
		err = json.Unmarshal(data, &m)
		msg = m
	case "dashboard_render_result":
		var m DashboardRenderResult
		err = json.Unmarshal(data, &m)
		msg = m
	case "debug_command":
		var m DebugCommand
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}

// EncodeInbound produces a frame DecodeInbound accepts.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return tagged(msg.InboundType(), msg)
}

// Outbound is a message the daemon sends to every frontend.
type Outbound interface {
	OutboundType() string
}

type PersonaInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Hello struct {
	Version  string        `json:"version"`
	Personas []PersonaInfo `json:"personas"`
}

type Pong struct {
	Nonce string `json:"nonce,omitempty"`
}

type Speak struct {
	PersonaID   string  `json:"persona_id"`
	Name        string  `json:"name"`
	Text        string  `json:"text"`
	AudioBase64 string  `json:"audio_base64,omitempty"`
	Mood        string  `json:"mood,omitempty"`
	Urgency     float64 `json:"urgency"`
}

type DecisionInfo struct {
	Kind      string  `json:"kind"` // speak|pass
	PersonaID string  `json:"persona_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	Reason    string  `json:"reason"`
	Urgency   float64 `json:"urgency"`
	Mood      string  `json:"mood,omitempty"`
}

type TierCounts struct {
	Hot  int `json:"hot"`
	Warm int `json:"warm"`
	Cold int `json:"cold"`
}

type EligibilityInfo struct {
	PersonaID string `json:"persona_id"`
	Verdict   string `json:"verdict"`
	Reason    string `json:"reason"`
}

type DecisionUpdate struct {
	Decision    DecisionInfo      `json:"decision"`
	Tiers       TierCounts        `json:"tiers"`
	Eligibility []EligibilityInfo `json:"eligibility"`
}

type ObservationSnapshot struct {
	Timestamp        int64      `json:"timestamp"`
	DiffScore        float64    `json:"diff_score"`
	ScreenSummary    string     `json:"screen_summary"`
	Pending          int        `json:"pending"`
	Tiers            TierCounts `json:"tiers"`
	SinceUserSeconds float64    `json:"since_user_seconds"`
}

type VisionAnalysis struct {
	SignificantChange bool   `json:"significant_change"`
	Description       string `json:"description"`
}

type ChatLine struct {
	Sender    string  `json:"sender"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Relevance float64 `json:"relevance"`
	Tier      string  `json:"tier"`
}

type MemoryNode struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// RenderRequest asks the frontend to draw the memory, chat and status
// panels used in the composite image.
type RenderRequest struct {
	Chat   []ChatLine   `json:"chat"`
	Memory []MemoryNode `json:"memory"`
	Status string       `json:"status"`
}

type RenderDashboard struct {
	Notes  string `json:"notes"`
	Scroll int    `json:"scroll"`
}

type Log struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type PromptLog struct {
	Stage     string `json:"stage"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CommandResult answers a debug_command.
type CommandResult struct {
	Command string `json:"command"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (Hello) OutboundType() string               { return "hello" }
func (Pong) OutboundType() string                { return "pong" }
func (Speak) OutboundType() string               { return "speak" }
func (DecisionUpdate) OutboundType() string      { return "decision_update" }
func (ObservationSnapshot) OutboundType() string { return "observation_snapshot" }
func (VisionAnalysis) OutboundType() string      { return "vision_analysis" }
func (RenderRequest) OutboundType() string       { return "render_request" }
func (RenderDashboard) OutboundType() string     { return "render_dashboard" }
func (Log) OutboundType() string                 { return "log" }
func (PromptLog) OutboundType() string           { return "prompt_log" }
func (CommandResult) OutboundType() string       { return "command_result" }

// Encode produces the tagged JSON frame for msg.
func Encode(msg Outbound) ([]byte, error) {
	return tagged(msg.OutboundType(), msg)
}

// Millis converts t to the wire timestamp format.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// tagged splices "type" into the front of v's JSON object.
func tagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	head, _ := json.Marshal(typ)
	out := make([]byte, 0, len(body)+len(head)+9)
	out = append(out, `{"type":`...)
	out = append(out, head...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
