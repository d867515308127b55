// Package loop drives the perception cycle: capture, compose, decide and
// react, one tick at a time, while accepting inbound frontend events.
package loop

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/bridge"
	"github.com/nidhogg/dewet/internal/command"
	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/dashboard"
	"github.com/nidhogg/dewet/internal/director"
	"github.com/nidhogg/dewet/internal/episode"
	"github.com/nidhogg/dewet/internal/observation"
	"github.com/nidhogg/dewet/internal/persona"
	"github.com/nidhogg/dewet/internal/store"
	"github.com/nidhogg/dewet/internal/tts"
	"github.com/nidhogg/dewet/internal/vision"
)

// Capturer yields the next screen frame. *vision.Pipeline implements it.
type Capturer interface {
	Capture(ctx context.Context) (vision.Frame, error)
}

// Director is the decision pipeline the loop drives. *director.Director
// implements it.
type Director interface {
	Evaluate(ctx context.Context, obs *observation.Observation, approved []image.Image) (*director.Result, error)
	Characters() []persona.Character
	Character(id string) (persona.Character, bool)
	RestoreStates(states map[string]persona.State)
	ResetCooldowns()
	MarkSpoke(id, mood string) error
}

// Transport carries events to and from frontends. *bridge.Bridge
// implements it.
type Transport interface {
	Broadcast(msg bridge.Outbound) bool
	Inbound() <-chan bridge.Inbound
}

// EpisodeRecorder stores spoken lines as long-term episodes.
type EpisodeRecorder interface {
	Record(ctx context.Context, ep *episode.Episode) error
}

// Deps are the collaborators a Loop drives. Renderer and Episodes may be nil.
type Deps struct {
	Buffer    *observation.Buffer
	Capture   Capturer
	Renderer  *vision.Renderer
	Director  Director
	Store     store.Store
	Voice     tts.Synthesizer
	Episodes  EpisodeRecorder
	Transport Transport
}

// assets are rendered images sent back by the frontend.
type assets struct {
	memory    image.Image
	chat      image.Image
	status    image.Image
	dashboard image.Image
}

// Loop owns the observation buffer, the rendered assets and the dashboard
// notes. All of it is mutated only from the Run goroutine.
type Loop struct {
	interval     time.Duration
	chatDepth    int
	triggerBoost float64

	buffer    *observation.Buffer
	capture   Capturer
	renderer  *vision.Renderer
	director  Director
	store     store.Store
	voice     tts.Synthesizer
	episodes  EpisodeRecorder
	transport Transport
	commands  *command.Registry

	assets    assets
	notes     dashboard.Notes
	lastObs   *observation.Observation
	lastTick  time.Time
	last      *DecisionSummary
	ticks     int64
	tickNow   bool
	snapshots chan chan Snapshot

	now    func() time.Time
	logger *zap.Logger
}

// New wires a loop from cfg and its collaborators.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Loop {
	interval := cfg.Vision.CaptureInterval()
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	l := &Loop{
		interval:     interval,
		chatDepth:    cfg.Observation.ChatDepth,
		triggerBoost: cfg.Observation.TriggerBoost,
		buffer:       deps.Buffer,
		capture:      deps.Capture,
		renderer:     deps.Renderer,
		director:     deps.Director,
		store:        deps.Store,
		voice:        deps.Voice,
		episodes:     deps.Episodes,
		transport:    deps.Transport,
		commands:     command.NewRegistry(),
		snapshots:    make(chan chan Snapshot),
		now:          time.Now,
		logger:       logger,
	}
	l.registerCommands()
	return l
}

// SetClock replaces the time source.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// Commands exposes the debug command registry.
func (l *Loop) Commands() *command.Registry { return l.commands }

// Hydrate restores chat history, persona state and dashboard notes from the
// store. Failures are logged and leave the loop with empty state.
func (l *Loop) Hydrate(ctx context.Context) {
	if l.store == nil {
		return
	}
	records, err := l.store.RecentChat(ctx, l.chatDepth)
	if err != nil {
		l.logger.Warn("failed to load chat history", zap.Error(err))
	} else if len(records) > 0 {
		entries := make([]observation.ChatEntry, len(records))
		for i, r := range records {
			entries[i] = observation.ChatEntry{Sender: r.Sender, Content: r.Content, Timestamp: r.Timestamp}
		}
		l.buffer.Restore(entries)
		l.logger.Info("restored chat history", zap.Int("entries", len(entries)))
	}

	states, err := l.store.LoadPersonaStates(ctx)
	if err != nil {
		l.logger.Warn("failed to load persona state", zap.Error(err))
	} else {
		l.director.RestoreStates(states)
	}

	raw, err := l.store.Get(ctx, dashboard.StoreKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		l.logger.Warn("failed to load dashboard notes", zap.Error(err))
	default:
		notes, err := dashboard.Unmarshal(raw)
		if err != nil {
			l.logger.Warn("discarding corrupt dashboard notes", zap.Error(err))
			break
		}
		l.notes = notes
	}
}

// Run hydrates state, then ticks every interval until ctx is done. The next
// tick is scheduled interval after the previous one finished, so a slow
// tick delays the schedule instead of causing a burst.
func (l *Loop) Run(ctx context.Context) error {
	l.Hydrate(ctx)
	l.logger.Info("perception loop started", zap.Duration("interval", l.interval))

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("perception loop stopped", zap.Int64("ticks", l.ticks))
			return nil
		case <-timer.C:
			l.safeTick(ctx)
			timer.Reset(l.interval)
		case msg := <-l.transport.Inbound():
			l.handle(ctx, msg)
			if l.tickNow {
				l.tickNow = false
				stopTimer(timer)
				l.safeTick(ctx)
				timer.Reset(l.interval)
			}
		case reply := <-l.snapshots:
			reply <- l.snapshot()
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// safeTick isolates one tick: errors and panics are logged and the loop
// carries on.
func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("tick failed", zap.Error(err))
	}
}

// Tick runs one perception cycle. It must only be called from the goroutine
// that owns the loop.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now()
	l.ticks++

	if flushed := l.buffer.FlushPending(); len(flushed) > 0 {
		l.logger.Debug("flushed pending user messages", zap.Int("count", len(flushed)))
	}
	if !l.lastTick.IsZero() {
		l.buffer.ApplyRelevanceDecay(now.Sub(l.lastTick).Minutes())
	}
	l.lastTick = now

	frame, err := l.capture.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	var composite image.Image
	if l.renderer != nil {
		composite = l.renderer.Render(vision.Parts{
			Desktop: frame.Image,
			Memory:  l.assets.memory,
			Chat:    l.assets.chat,
			Status:  l.assets.status,
		}, l.buffer.ApprovedSnapshots())
	}

	obs := l.buffer.IngestScreen(frame, composite, l.assets.dashboard)
	l.lastObs = obs
	l.publishObservation(obs)

	res, err := l.director.Evaluate(ctx, obs, l.buffer.ApprovedSnapshots())
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	l.publishResult(res)

	if sp, ok := res.Decision.(director.Speak); ok {
		l.speak(ctx, sp, obs)
	}
	return nil
}

// speak applies the side effects of an approved line in order: notes DSL,
// chat history, approved snapshot, trigger boost, audio, broadcast, persona
// state and episode.
func (l *Loop) speak(ctx context.Context, sp director.Speak, obs *observation.Observation) {
	text := sp.Text
	if cmds := dashboard.Parse(text); len(cmds) > 0 {
		l.applyNotes(ctx, cmds)
		text = dashboard.Strip(text)
	}

	char, _ := l.director.Character(sp.PersonaID)
	name := char.Spec.Name
	if name == "" {
		name = sp.PersonaID
	}
	now := l.now()

	if text != "" {
		l.buffer.RecordChat(observation.ChatEntry{Sender: sp.PersonaID, Content: text, Timestamp: now})
		l.persistChat(ctx, sp.PersonaID, text, now)
	}

	if obs != nil {
		if snap := approvedImage(obs); snap != nil {
			l.buffer.RecordApprovedSnapshot(snap)
		}
		if u, ok := obs.LastUserEntry(); ok && l.triggerBoost > 0 {
			l.buffer.BoostRelevance(u.Timestamp, l.triggerBoost)
		}
	}

	if text != "" {
		msg := bridge.Speak{
			PersonaID: sp.PersonaID,
			Name:      name,
			Text:      text,
			Mood:      sp.Mood,
			Urgency:   sp.Urgency,
		}
		if l.voice != nil {
			audio, err := l.voice.Synthesize(ctx, text, char.Spec.Voice)
			if err != nil {
				l.logger.Warn("speech synthesis failed",
					zap.String("persona", sp.PersonaID),
					zap.String("synth", l.voice.Name()),
					zap.Error(err))
			} else {
				msg.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
			}
		}
		l.transport.Broadcast(msg)
	}

	if l.store != nil {
		if c, ok := l.director.Character(sp.PersonaID); ok {
			if err := l.store.SavePersonaState(ctx, sp.PersonaID, c.State); err != nil {
				l.logger.Warn("failed to persist persona state", zap.String("persona", sp.PersonaID), zap.Error(err))
			}
		}
	}

	if l.episodes != nil && text != "" {
		ep := &episode.Episode{
			PersonaID:  sp.PersonaID,
			Text:       text,
			Mood:       sp.Mood,
			Importance: sp.Urgency,
			CreatedAt:  now,
		}
		if err := l.episodes.Record(ctx, ep); err != nil {
			l.logger.Warn("failed to record episode", zap.String("persona", sp.PersonaID), zap.Error(err))
		}
	}

	l.logger.Info("persona spoke",
		zap.String("persona", sp.PersonaID),
		zap.Float64("urgency", sp.Urgency),
		zap.String("reason", sp.Reason))
}

// approvedImage picks what the persona was looking at when it spoke.
func approvedImage(obs *observation.Observation) image.Image {
	if obs.Composite != nil {
		return obs.Composite
	}
	return obs.Frame.Image
}

func (l *Loop) persistChat(ctx context.Context, sender, content string, at time.Time) {
	if l.store == nil {
		return
	}
	rec := store.ChatRecord{Sender: sender, Content: content, Timestamp: at}
	if err := l.store.RecordChat(ctx, rec); err != nil {
		l.logger.Warn("failed to persist chat", zap.String("sender", sender), zap.Error(err))
	}
}

func (l *Loop) applyNotes(ctx context.Context, cmds []dashboard.Command) {
	l.notes.Apply(cmds...)
	if l.store != nil {
		if err := l.store.Put(ctx, dashboard.StoreKey, l.notes.Marshal()); err != nil {
			l.logger.Warn("failed to persist dashboard notes", zap.Error(err))
		}
	}
	l.transport.Broadcast(bridge.RenderDashboard{Notes: l.notes.Content, Scroll: l.notes.Scroll})
}

// handle processes one inbound event.
func (l *Loop) handle(ctx context.Context, msg bridge.Inbound) {
	switch m := msg.(type) {
	case bridge.Ping:
		l.transport.Broadcast(bridge.Pong{Nonce: m.Nonce})
	case bridge.UserChat:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return
		}
		now := l.now()
		l.buffer.QueueUserMessage(observation.ChatEntry{
			Sender:    observation.UserSender,
			Content:   text,
			Timestamp: now,
		})
		l.persistChat(ctx, observation.UserSender, text, now)
	case bridge.RenderResult:
		l.assets.memory = l.decodePanel("memory", m.Memory, l.assets.memory)
		l.assets.chat = l.decodePanel("chat", m.Chat, l.assets.chat)
		l.assets.status = l.decodePanel("status", m.Status, l.assets.status)
	case bridge.DashboardRenderResult:
		l.assets.dashboard = l.decodePanel("dashboard", m.Image, l.assets.dashboard)
	case bridge.DebugCommand:
		l.runCommand(ctx, m)
	default:
		l.logger.Warn("ignoring inbound message", zap.String("type", msg.InboundType()))
	}
}

// decodePanel decodes a base64 PNG, keeping prev when raw is empty or bad.
func (l *Loop) decodePanel(name, raw string, prev image.Image) image.Image {
	if raw == "" {
		return prev
	}
	img, err := vision.DecodeBase64PNG(raw)
	if err != nil {
		l.logger.Warn("bad rendered panel", zap.String("panel", name), zap.Error(err))
		return prev
	}
	return img
}

func (l *Loop) runCommand(ctx context.Context, m bridge.DebugCommand) {
	reply := bridge.CommandResult{Command: m.Command}
	res, err := l.commands.Dispatch(ctx, m.Command, m.Payload)
	if err != nil {
		reply.Error = err.Error()
		l.logger.Warn("debug command failed", zap.String("command", m.Command), zap.Error(err))
	} else if res != nil {
		reply.Content = res.Content
		l.logger.Info("debug command executed", zap.String("command", m.Command))
	}
	l.transport.Broadcast(reply)
}
