package loop

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/bridge"
	"github.com/nidhogg/dewet/internal/director"
	"github.com/nidhogg/dewet/internal/observation"
)

const memoryLabelRunes = 48

func tierCounts(s observation.TierStats) bridge.TierCounts {
	return bridge.TierCounts{Hot: s.Hot, Warm: s.Warm, Cold: s.Cold}
}

func (l *Loop) publishObservation(obs *observation.Observation) {
	tiers := tierCounts(l.buffer.TierStats())
	l.transport.Broadcast(bridge.ObservationSnapshot{
		Timestamp:        bridge.Millis(obs.Summary.Timestamp),
		DiffScore:        obs.Summary.DiffScore,
		ScreenSummary:    obs.Summary.Notes,
		Pending:          l.buffer.PendingCount(),
		Tiers:            tiers,
		SinceUserSeconds: obs.SinceUser.Seconds(),
	})
	l.transport.Broadcast(l.renderRequest(obs, tiers))
	l.transport.Broadcast(bridge.RenderDashboard{Notes: l.notes.Content, Scroll: l.notes.Scroll})
}

// renderRequest describes the memory, chat and status panels for the
// frontend to draw. The drawn panels come back as a render_result and are
// tiled into the next composite.
func (l *Loop) renderRequest(obs *observation.Observation, tiers bridge.TierCounts) bridge.RenderRequest {
	req := bridge.RenderRequest{
		Chat:   make([]bridge.ChatLine, 0, len(obs.AllChat)),
		Memory: make([]bridge.MemoryNode, 0, len(obs.RecentChat)),
	}
	for _, e := range obs.AllChat {
		req.Chat = append(req.Chat, bridge.ChatLine{
			Sender:    e.Sender,
			Content:   e.Content,
			Timestamp: bridge.Millis(e.Timestamp),
			Relevance: e.Relevance,
			Tier:      string(e.Tier),
		})
	}
	for _, e := range obs.RecentChat {
		req.Memory = append(req.Memory, bridge.MemoryNode{
			ID:     fmt.Sprintf("%s-%d", e.Sender, bridge.Millis(e.Timestamp)),
			Label:  e.Sender + ": " + truncate(e.Content, memoryLabelRunes),
			Weight: e.Relevance,
		})
	}

	status := fmt.Sprintf("tick %d | hot %d warm %d cold %d | pending %d",
		l.ticks, tiers.Hot, tiers.Warm, tiers.Cold, l.buffer.PendingCount())
	if l.last != nil {
		status += " | last " + l.last.Kind
		if l.last.PersonaID != "" {
			status += " " + l.last.PersonaID
		}
	}
	req.Status = status
	return req
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func (l *Loop) publishResult(res *director.Result) {
	info := decisionInfo(res.Decision)
	update := bridge.DecisionUpdate{
		Decision:    info,
		Tiers:       tierCounts(l.buffer.TierStats()),
		Eligibility: make([]bridge.EligibilityInfo, 0, len(res.Eligibility)),
	}
	for _, e := range res.Eligibility {
		update.Eligibility = append(update.Eligibility, bridge.EligibilityInfo{
			PersonaID: e.PersonaID,
			Verdict:   string(e.Verdict),
			Reason:    e.Reason,
		})
	}
	l.transport.Broadcast(update)

	if res.Change.Checked {
		l.transport.Broadcast(bridge.VisionAnalysis{
			SignificantChange: res.Change.SignificantChange,
			Description:       res.Change.Description,
		})
	}
	for _, p := range res.PromptLogs {
		l.transport.Broadcast(bridge.PromptLog{
			Stage:     p.Stage,
			Model:     p.Model,
			Prompt:    p.Prompt,
			Response:  p.Response,
			Error:     p.Error,
			Timestamp: bridge.Millis(p.Timestamp),
		})
	}

	l.last = &DecisionSummary{
		Kind:      info.Kind,
		PersonaID: info.PersonaID,
		Text:      info.Text,
		Reason:    info.Reason,
		Urgency:   info.Urgency,
		At:        l.now(),
	}

	switch d := res.Decision.(type) {
	case director.Speak:
		l.logger.Info("decision: speak",
			zap.String("persona", d.PersonaID),
			zap.Float64("urgency", d.Urgency))
	case director.Pass:
		if d.Reason == director.ReasonRateLimited {
			l.logger.Debug("decision: pass", zap.String("reason", d.Reason))
			return
		}
		l.logger.Info("decision: pass", zap.String("reason", d.Reason))
	}
}

func decisionInfo(d director.Decision) bridge.DecisionInfo {
	switch v := d.(type) {
	case director.Speak:
		return bridge.DecisionInfo{
			Kind:      director.Kind(v),
			PersonaID: v.PersonaID,
			Text:      v.Text,
			Reason:    v.Reason,
			Urgency:   v.Urgency,
			Mood:      v.Mood,
		}
	case director.Pass:
		return bridge.DecisionInfo{Kind: director.Kind(v), Reason: v.Reason, Urgency: v.Urgency}
	default:
		return bridge.DecisionInfo{Kind: "pass", Reason: "no decision"}
	}
}
