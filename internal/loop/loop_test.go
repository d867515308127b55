package loop

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/bridge"
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

type fakeCapture struct {
	err   error
	calls int
}

func (c *fakeCapture) Capture(_ context.Context) (vision.Frame, error) {
	c.calls++
	if c.err != nil {
		return vision.Frame{}, c.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 36))
	img.Set(1, 1, color.White)
	return vision.Frame{Image: img, DiffScore: 0.5, Timestamp: time.Now()}, nil
}

type fakeDirector struct {
	chars    map[string]*persona.Character
	order    []string
	results  []*director.Result
	panicky  bool
	resets   int
	spoke    []string
	observed []*observation.Observation
}

func newFakeDirector(specs ...persona.Spec) *fakeDirector {
	d := &fakeDirector{chars: make(map[string]*persona.Character)}
	for _, s := range specs {
		d.chars[s.ID] = persona.NewCharacter(s)
		d.order = append(d.order, s.ID)
	}
	return d
}

func (d *fakeDirector) Evaluate(_ context.Context, obs *observation.Observation, _ []image.Image) (*director.Result, error) {
	if d.panicky {
		panic("boom")
	}
	d.observed = append(d.observed, obs)
	if len(d.results) == 0 {
		return &director.Result{Decision: director.Pass{Reason: "nothing to say"}}, nil
	}
	res := d.results[0]
	d.results = d.results[1:]
	if sp, ok := res.Decision.(director.Speak); ok {
		d.chars[sp.PersonaID].State.UpdateLastSpoke(time.Now())
	}
	return res, nil
}

func (d *fakeDirector) Characters() []persona.Character {
	out := make([]persona.Character, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.chars[id])
	}
	return out
}

func (d *fakeDirector) Character(id string) (persona.Character, bool) {
	c, ok := d.chars[id]
	if !ok {
		return persona.Character{}, false
	}
	return *c, true
}

func (d *fakeDirector) RestoreStates(states map[string]persona.State) {
	for id, s := range states {
		if c, ok := d.chars[id]; ok {
			c.State = s
		}
	}
}

func (d *fakeDirector) ResetCooldowns() {
	d.resets++
	for _, c := range d.chars {
		c.State.Reset()
	}
}

func (d *fakeDirector) MarkSpoke(id, mood string) error {
	c, ok := d.chars[id]
	if !ok {
		return errors.New("unknown persona")
	}
	c.State.UpdateLastSpoke(time.Now())
	d.spoke = append(d.spoke, id)
	return nil
}

type fakeTransport struct {
	in   chan bridge.Inbound
	mu   sync.Mutex
	sent []bridge.Outbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan bridge.Inbound, 8)}
}

func (t *fakeTransport) Broadcast(msg bridge.Outbound) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return true
}

func (t *fakeTransport) Inbound() <-chan bridge.Inbound { return t.in }

func (t *fakeTransport) types() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.OutboundType()
	}
	return out
}

func (t *fakeTransport) find(typ string) []bridge.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []bridge.Outbound
	for _, m := range t.sent {
		if m.OutboundType() == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeEpisodes struct {
	recorded []episode.Episode
}

func (e *fakeEpisodes) Record(_ context.Context, ep *episode.Episode) error {
	e.recorded = append(e.recorded, *ep)
	return nil
}

type fixture struct {
	loop      *Loop
	buffer    *observation.Buffer
	capture   *fakeCapture
	director  *fakeDirector
	store     *store.Memory
	transport *fakeTransport
	episodes  *fakeEpisodes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := *config.Default()
	cfg.Vision.CaptureIntervalMS = 3600 * 1000

	f := &fixture{
		buffer:    observation.NewBuffer(cfg.Observation),
		capture:   &fakeCapture{},
		director:  newFakeDirector(persona.Demo()...),
		store:     store.NewMemory(),
		transport: newFakeTransport(),
		episodes:  &fakeEpisodes{},
	}
	f.loop = New(cfg, Deps{
		Buffer:    f.buffer,
		Capture:   f.capture,
		Renderer:  vision.NewRenderer(320, 180),
		Director:  f.director,
		Store:     f.store,
		Voice:     tts.NewNull(),
		Episodes:  f.episodes,
		Transport: f.transport,
	}, zap.NewNop())
	return f
}

func indexOf(types []string, typ string) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}

func TestTickSpeakSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := persona.Demo()[0].ID

	f.loop.handle(ctx, bridge.UserChat{Text: "  what's this error?  "})
	if got := f.buffer.PendingCount(); got != 1 {
		t.Fatalf("got %d pending, want 1", got)
	}

	f.director.results = []*director.Result{{
		Decision: director.Speak{
			PersonaID: id,
			Text:      `Looks like a nil map. [[notes:append "check map init"]]`,
			Urgency:   0.8,
			Reason:    "user asked",
			Mood:      "curious",
		},
	}}

	if err := f.loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	history := f.buffer.ChatHistory()
	if len(history) != 2 {
		t.Fatalf("got %d chat entries, want 2", len(history))
	}
	if history[0].Content != "what's this error?" || !history[0].FromUser() {
		t.Errorf("got first entry %+v, want trimmed user message", history[0])
	}
	if history[1].Sender != id || history[1].Content != "Looks like a nil map." {
		t.Errorf("got persona entry %+v, want stripped line from %s", history[1], id)
	}

	records, err := f.store.RecentChat(ctx, 10)
	if err != nil {
		t.Fatalf("RecentChat: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d persisted chat records, want 2", len(records))
	}

	if f.loop.notes.Content != "check map init" {
		t.Errorf("got notes %q, want %q", f.loop.notes.Content, "check map init")
	}
	raw, err := f.store.Get(ctx, dashboard.StoreKey)
	if err != nil {
		t.Fatalf("notes not persisted: %v", err)
	}
	if n, _ := dashboard.Unmarshal(raw); n.Content != "check map init" {
		t.Errorf("got persisted notes %q", n.Content)
	}

	if got := len(f.buffer.ApprovedSnapshots()); got != 1 {
		t.Errorf("got %d approved snapshots, want 1", got)
	}

	speaks := f.transport.find("speak")
	if len(speaks) != 1 {
		t.Fatalf("got %d speak events, want 1", len(speaks))
	}
	sp := speaks[0].(bridge.Speak)
	if sp.Text != "Looks like a nil map." || sp.AudioBase64 == "" || sp.Mood != "curious" {
		t.Errorf("got speak %+v", sp)
	}
	if sp.Name != persona.Demo()[0].Name {
		t.Errorf("got name %q, want %q", sp.Name, persona.Demo()[0].Name)
	}

	types := f.transport.types()
	if d, s := indexOf(types, "decision_update"), indexOf(types, "speak"); d < 0 || d > s {
		t.Errorf("decision_update must precede speak, got %v", types)
	}

	states, _ := f.store.LoadPersonaStates(ctx)
	if st, ok := states[id]; !ok || st.LastSpoke.IsZero() {
		t.Errorf("persona state not persisted: %+v", states)
	}

	if len(f.episodes.recorded) != 1 {
		t.Fatalf("got %d episodes, want 1", len(f.episodes.recorded))
	}
	if ep := f.episodes.recorded[0]; ep.Importance != 0.8 || ep.PersonaID != id {
		t.Errorf("got episode %+v", ep)
	}
}

func TestTickPassBroadcastsDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.director.results = []*director.Result{{
		Decision: director.Pass{Reason: "nothing new", Urgency: 0.1},
		Change:   director.ChangeReport{Checked: true, Description: "same editor"},
		Eligibility: []director.Eligibility{
			{PersonaID: "lyra", Verdict: director.Allow, Reason: "not last speaker"},
		},
		PromptLogs: []director.PromptLog{
			{Stage: director.StageArbiter, Model: "m", Prompt: "p", Response: "r", Timestamp: time.Now()},
		},
	}}

	if err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	types := f.transport.types()
	for _, want := range []string{
		"observation_snapshot", "render_request", "render_dashboard",
		"decision_update", "vision_analysis", "prompt_log",
	} {
		if indexOf(types, want) < 0 {
			t.Errorf("missing %s in %v", want, types)
		}
	}
	if indexOf(types, "speak") >= 0 {
		t.Errorf("pass must not broadcast speak, got %v", types)
	}

	upd := f.transport.find("decision_update")[0].(bridge.DecisionUpdate)
	if upd.Decision.Kind != "pass" || upd.Decision.Reason != "nothing new" {
		t.Errorf("got decision %+v", upd.Decision)
	}
	if len(upd.Eligibility) != 1 || upd.Eligibility[0].Verdict != string(director.Allow) {
		t.Errorf("got eligibility %+v", upd.Eligibility)
	}
	if f.loop.last == nil || f.loop.last.Kind != "pass" {
		t.Errorf("got last decision %+v, want pass", f.loop.last)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.capture.err = errors.New("no display")
	if err := f.loop.Tick(ctx); err == nil {
		t.Fatal("expected capture error")
	}
	if len(f.director.observed) != 0 {
		t.Error("director must not run without a frame")
	}
	f.loop.safeTick(ctx)

	f.capture.err = nil
	f.director.panicky = true
	f.loop.safeTick(ctx)

	f.director.panicky = false
	if err := f.loop.Tick(ctx); err != nil {
		t.Fatalf("Tick after panic: %v", err)
	}
	if got := f.loop.ticks; got != 4 {
		t.Errorf("got %d ticks, want 4", got)
	}
}

func TestHydrate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := persona.Demo()[1].ID
	now := time.Now()

	_ = f.store.RecordChat(ctx, store.ChatRecord{Sender: observation.UserSender, Content: "hi", Timestamp: now.Add(-2 * time.Minute)})
	_ = f.store.RecordChat(ctx, store.ChatRecord{Sender: id, Content: "hello", Timestamp: now.Add(-time.Minute)})
	spoke := persona.NewState()
	spoke.UpdateLastSpoke(now.Add(-time.Minute))
	_ = f.store.SavePersonaState(ctx, id, spoke)
	_ = f.store.Put(ctx, dashboard.StoreKey, dashboard.Notes{Content: "remember", Scroll: 100}.Marshal())

	f.loop.Hydrate(ctx)

	history := f.buffer.ChatHistory()
	if len(history) != 2 {
		t.Fatalf("got %d entries, want 2", len(history))
	}
	if history[0].Relevance >= 1 {
		t.Errorf("restored entry relevance %v should be decayed", history[0].Relevance)
	}
	if c, _ := f.director.Character(id); c.State.LastSpoke.IsZero() {
		t.Error("persona state not restored")
	}
	if f.loop.notes.Content != "remember" || f.loop.notes.Scroll != 100 {
		t.Errorf("got notes %+v", f.loop.notes)
	}
}

func TestRenderResultsFeedComposite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	panel, err := vision.EncodeBase64PNG(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.loop.handle(ctx, bridge.RenderResult{Memory: panel, Chat: "not-base64!", Status: panel})
	if f.loop.assets.memory == nil || f.loop.assets.status == nil {
		t.Error("expected memory and status panels")
	}
	if f.loop.assets.chat != nil {
		t.Error("bad chat panel must be ignored")
	}

	f.loop.handle(ctx, bridge.DashboardRenderResult{Image: panel})
	if err := f.loop.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	obs := f.director.observed[0]
	if obs.Composite == nil || obs.Dashboard == nil {
		t.Errorf("got composite=%v dashboard=%v, want both", obs.Composite != nil, obs.Dashboard != nil)
	}
}

func TestDebugCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := persona.Demo()[0].ID

	payload, _ := json.Marshal(ForceSpeakPayload{PersonaID: "nobody", Text: "hi"})
	f.loop.handle(ctx, bridge.DebugCommand{Command: CmdForceSpeak, Payload: payload})
	results := f.transport.find("command_result")
	if len(results) != 1 || results[0].(bridge.CommandResult).Error == "" {
		t.Fatalf("got %+v, want error result for unknown persona", results)
	}

	payload, _ = json.Marshal(ForceSpeakPayload{PersonaID: id, Text: "forced line"})
	f.loop.handle(ctx, bridge.DebugCommand{Command: CmdForceSpeak, Payload: payload})
	if len(f.director.spoke) != 1 || f.director.spoke[0] != id {
		t.Errorf("got spoke %v, want [%s]", f.director.spoke, id)
	}
	if speaks := f.transport.find("speak"); len(speaks) != 1 || speaks[0].(bridge.Speak).Text != "forced line" {
		t.Errorf("got speak events %+v", speaks)
	}

	payload, _ = json.Marshal(ExecDSLPayload{Text: `[[notes:set "plan"]]`})
	f.loop.handle(ctx, bridge.DebugCommand{Command: CmdExecDSL, Payload: payload})
	if f.loop.notes.Content != "plan" {
		t.Errorf("got notes %q, want %q", f.loop.notes.Content, "plan")
	}

	f.loop.handle(ctx, bridge.DebugCommand{Command: CmdResetCooldowns})
	if f.director.resets != 1 {
		t.Errorf("got %d resets, want 1", f.director.resets)
	}
	if c, _ := f.director.Character(id); !c.State.LastSpoke.IsZero() {
		t.Error("cooldown not reset")
	}

	f.loop.handle(ctx, bridge.DebugCommand{Command: CmdTickNow})
	if !f.loop.tickNow {
		t.Error("tick_now must schedule a tick")
	}
}

func TestRunServesInboundAndSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	waitSnapshot := func(cond func(Snapshot) bool) Snapshot {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for {
			sctx, scancel := context.WithTimeout(ctx, time.Second)
			snap, err := f.loop.Snapshot(sctx)
			scancel()
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if cond(snap) {
				return snap
			}
			if time.Now().After(deadline) {
				t.Fatalf("condition not met, last snapshot %+v", snap)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	f.transport.in <- bridge.UserChat{Text: "anyone there?"}
	waitSnapshot(func(s Snapshot) bool { return s.Pending == 1 })

	f.transport.in <- bridge.DebugCommand{Command: CmdTickNow}
	snap := waitSnapshot(func(s Snapshot) bool { return s.Ticks == 1 })
	if snap.Pending != 0 || len(snap.Chat) != 1 {
		t.Errorf("got pending=%d chat=%d, want 0 and 1", snap.Pending, len(snap.Chat))
	}
	if len(snap.Personas) != len(persona.Demo()) {
		t.Errorf("got %d personas, want %d", len(snap.Personas), len(persona.Demo()))
	}
	if snap.LastDecision == nil || snap.LastDecision.Kind != "pass" {
		t.Errorf("got last decision %+v, want pass", snap.LastDecision)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestSnapshotHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.loop.Snapshot(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
