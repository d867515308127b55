package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/dewet/internal/command"
	"github.com/nidhogg/dewet/internal/dashboard"
	"github.com/nidhogg/dewet/internal/director"
)

// Debug command names.
const (
	CmdResetCooldowns = "reset_cooldowns"
	CmdForceSpeak     = "force_speak"
	CmdExecDSL        = "exec_dsl"
	CmdTickNow        = "tick_now"
)

// ForceSpeakPayload is the payload of force_speak.
type ForceSpeakPayload struct {
	PersonaID string `json:"persona_id"`
	Text      string `json:"text"`
}

// ExecDSLPayload is the payload of exec_dsl.
type ExecDSLPayload struct {
	Text string `json:"text"`
}

func (l *Loop) registerCommands() {
	l.commands.Register(&command.Command{
		Name:        CmdResetCooldowns,
		Description: "Return every persona to idle",
		Usage:       CmdResetCooldowns,
		Handler: func(ctx context.Context, _ json.RawMessage) (*command.Result, error) {
			l.director.ResetCooldowns()
			for _, c := range l.director.Characters() {
				if l.store == nil {
					break
				}
				if err := l.store.SavePersonaState(ctx, c.Spec.ID, c.State); err != nil {
					return nil, fmt.Errorf("persist %s: %w", c.Spec.ID, err)
				}
			}
			return &command.Result{Content: "cooldowns reset"}, nil
		},
	})

	l.commands.Register(&command.Command{
		Name:        CmdForceSpeak,
		Description: "Make a persona say a line, skipping the director",
		Usage:       CmdForceSpeak + " {persona_id, text}",
		Handler: func(ctx context.Context, payload json.RawMessage) (*command.Result, error) {
			var p ForceSpeakPayload
			if err := command.Decode(payload, &p); err != nil {
				return nil, err
			}
			p.Text = strings.TrimSpace(p.Text)
			if p.Text == "" {
				return nil, fmt.Errorf("text is required")
			}
			if _, ok := l.director.Character(p.PersonaID); !ok {
				return nil, fmt.Errorf("unknown persona %q", p.PersonaID)
			}
			if err := l.director.MarkSpoke(p.PersonaID, ""); err != nil {
				return nil, err
			}
			l.speak(ctx, director.Speak{
				PersonaID: p.PersonaID,
				Text:      p.Text,
				Urgency:   1,
				Reason:    "forced",
			}, l.lastObs)
			return &command.Result{Content: fmt.Sprintf("%s spoke", p.PersonaID)}, nil
		},
	})

	l.commands.Register(&command.Command{
		Name:        CmdExecDSL,
		Description: "Apply dashboard notes commands",
		Usage:       CmdExecDSL + " {text}",
		Handler: func(ctx context.Context, payload json.RawMessage) (*command.Result, error) {
			var p ExecDSLPayload
			if err := command.Decode(payload, &p); err != nil {
				return nil, err
			}
			cmds := dashboard.Parse(p.Text)
			if len(cmds) == 0 {
				return nil, fmt.Errorf("no notes commands in %q", p.Text)
			}
			l.applyNotes(ctx, cmds)
			return &command.Result{Content: fmt.Sprintf("applied %d notes commands", len(cmds))}, nil
		},
	})

	l.commands.Register(&command.Command{
		Name:        CmdTickNow,
		Description: "Run a perception tick immediately",
		Usage:       CmdTickNow,
		Handler: func(_ context.Context, _ json.RawMessage) (*command.Result, error) {
			l.tickNow = true
			return &command.Result{Content: "tick scheduled"}, nil
		},
	})
}
