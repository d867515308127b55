package director

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/observation"
	"github.com/nidhogg/dewet/internal/persona"
	"github.com/nidhogg/dewet/internal/provider"
	"github.com/nidhogg/dewet/internal/store"
	"github.com/nidhogg/dewet/internal/vision"
	"go.uber.org/zap"
)

// Stage binds a pipeline step to a model. A stage without a client or model
// is disabled.
type Stage struct {
	Client provider.Completer
	Model  string
}

func (s Stage) enabled() bool { return s.Client != nil && s.Model != "" }

// Models holds the four model-backed stages. Change and Audit are optional.
type Models struct {
	Change   Stage
	Arbiter  Stage
	Response Stage
	Audit    Stage
}

// ReasonRateLimited is the Pass reason for evaluations skipped by the rate
// limit.
const ReasonRateLimited = "rate limited"

// DecisionRecorder persists arbiter decisions.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d store.DecisionRecord) error
}

// Director runs the speak-or-pass pipeline once per tick. It owns the
// personas' runtime state and must only be driven from one goroutine.
type Director struct {
	cfg        config.DirectorConfig
	models     Models
	characters []*persona.Character
	index      map[string]*persona.Character
	names      map[string]string
	recorder   DecisionRecorder
	lastEval   time.Time
	now        func() time.Time
	logger     *zap.Logger
}

// New creates a director for the given roster. recorder may be nil.
func New(cfg config.DirectorConfig, models Models, specs []persona.Spec, recorder DecisionRecorder, logger *zap.Logger) *Director {
	d := &Director{
		cfg:      cfg,
		models:   models,
		index:    make(map[string]*persona.Character, len(specs)),
		names:    make(map[string]string, len(specs)),
		recorder: recorder,
		now:      time.Now,
		logger:   logger,
	}
	for _, s := range specs {
		c := persona.NewCharacter(s)
		d.characters = append(d.characters, c)
		d.index[s.ID] = c
		d.names[s.ID] = s.Name
	}
	return d
}

// SetClock replaces the time source.
func (d *Director) SetClock(now func() time.Time) { d.now = now }

// Characters returns copies of the roster with current state.
func (d *Director) Characters() []persona.Character {
	out := make([]persona.Character, len(d.characters))
	for i, c := range d.characters {
		out[i] = *c
	}
	return out
}

// Character returns a copy of one persona.
func (d *Director) Character(id string) (persona.Character, bool) {
	c, ok := d.index[id]
	if !ok {
		return persona.Character{}, false
	}
	return *c, true
}

// RestoreStates loads persisted runtime state for known personas.
func (d *Director) RestoreStates(states map[string]persona.State) {
	for id, s := range states {
		if c, ok := d.index[id]; ok {
			c.State = s
		}
	}
}

// ResetCooldowns returns every persona to Idle.
func (d *Director) ResetCooldowns() {
	for _, c := range d.characters {
		c.State.Reset()
	}
}

// MarkSpoke commits a Speak for id outside the pipeline.
func (d *Director) MarkSpoke(id, mood string) error {
	c, ok := d.index[id]
	if !ok {
		return fmt.Errorf("unknown persona %q", id)
	}
	c.State.UpdateLastSpoke(d.now())
	if mood != "" {
		c.State.Mood = mood
	}
	return nil
}

// Evaluate runs one pass of the pipeline. approved holds prior approved
// snapshots, most recent first. Model failures degrade to Pass; the only
// error returned is context cancellation.
func (d *Director) Evaluate(ctx context.Context, obs *observation.Observation, approved []image.Image) (*Result, error) {
	res := &Result{}
	now := d.now()

	// Rate limit.
	if !d.lastEval.IsZero() && now.Sub(d.lastEval) < d.cfg.MinDecisionInterval() {
		res.Decision = Pass{Reason: ReasonRateLimited}
		return res, nil
	}
	d.lastEval = now

	composite, compositeErr := encodeOptional(obs.Composite)
	if compositeErr != nil {
		d.logger.Warn("encode composite", zap.Error(compositeErr))
	}

	// Change detection.
	if composite != nil && d.models.Change.enabled() {
		res.Change = d.detectChange(ctx, res, obs, composite, approved)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	// Eligibility.
	last := obs.LastSpeaker()
	res.Eligibility = ComputeEligibility(d.characters, last, res.Change.SignificantChange, d.cfg.Cooldown(), now)
	allowed := Allowed(res.Eligibility)
	if len(allowed) == 0 {
		res.Decision = Pass{Reason: "no eligible companions: " + stopSummary(res.Eligibility)}
		return res, nil
	}

	// Hard silence gate. A user message older than the gate no longer
	// counts as waiting for an answer.
	silent := !obs.UserSpoke || obs.SinceUser > d.cfg.SilenceGate()
	unanswered := last == observation.UserSender && !silent
	if !unanswered && !res.Change.SignificantChange && silent {
		res.Decision = Pass{Reason: "user silent and nothing changed"}
		return res, nil
	}

	if !d.models.Arbiter.enabled() || !d.models.Response.enabled() {
		res.Decision = Pass{Reason: "arbiter or response model not configured"}
		return res, nil
	}

	// Arbiter.
	verdict, err := d.arbitrate(ctx, res, obs, composite, allowed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	d.recordDecision(ctx, obs, res.Change, verdict, err)
	if err != nil {
		res.Decision = Pass{Reason: "arbiter unavailable: " + err.Error()}
		return res, nil
	}
	if !verdict.ShouldRespond {
		res.Decision = Pass{Reason: verdict.Reasoning, Urgency: verdict.Urgency}
		return res, nil
	}
	if verdict.ResponderID == "" {
		res.Decision = Pass{Reason: verdict.Reasoning + " (no responder named)", Urgency: verdict.Urgency}
		return res, nil
	}
	c, ok := d.index[verdict.ResponderID]
	if !ok {
		res.Decision = Pass{Reason: fmt.Sprintf("%s (responder %q not found)", verdict.Reasoning, verdict.ResponderID), Urgency: verdict.Urgency}
		return res, nil
	}
	if !isAllowed(allowed, c.Spec.ID) {
		res.Decision = Pass{Reason: fmt.Sprintf("%s (responder %q not eligible)", verdict.Reasoning, verdict.ResponderID), Urgency: verdict.Urgency}
		return res, nil
	}

	// Cooldown override: a direct address or a new stimulus outranks it.
	if c.State.IsOnCooldown(d.cfg.Cooldown(), now) && last != observation.UserSender && !res.Change.SignificantChange {
		res.Decision = Pass{Reason: verdict.Reasoning + " (on cooldown)", Urgency: verdict.Urgency}
		return res, nil
	}

	// Response generation.
	images := []provider.Image{}
	if composite != nil {
		images = append(images, composite)
	}
	if dash, err := encodeOptional(obs.Dashboard); err == nil && dash != nil {
		images = append(images, dash)
	}
	text, err := d.respond(ctx, res, c, obs, images)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		res.Decision = Pass{Reason: fmt.Sprintf("%s (response generation failed: %v)", verdict.Reasoning, err), Urgency: verdict.Urgency}
		return res, nil
	}
	if text == "" {
		res.Decision = Pass{Reason: verdict.Reasoning + " (empty response)", Urgency: verdict.Urgency}
		return res, nil
	}

	// Audit.
	if d.models.Audit.enabled() {
		outcome, err := d.audit(ctx, res, c, text, obs)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		switch o := outcome.(type) {
		case auditRevise:
			text = o.Text
		case auditBlock:
			res.Decision = Pass{Reason: fmt.Sprintf("%s (audit blocked: %s)", verdict.Reasoning, o.Reason), Urgency: verdict.Urgency}
			return res, nil
		case nil:
			res.Decision = Pass{Reason: fmt.Sprintf("%s (audit rejected: %v)", verdict.Reasoning, err), Urgency: verdict.Urgency}
			return res, nil
		}
	}

	// Commit.
	c.State.UpdateLastSpoke(d.now())
	if verdict.Mood != "" {
		c.State.Mood = verdict.Mood
	}
	res.Decision = Speak{
		PersonaID: c.Spec.ID,
		Text:      text,
		Urgency:   verdict.Urgency,
		Reason:    verdict.Reasoning,
		Mood:      verdict.Mood,
	}
	return res, nil
}

func (d *Director) detectChange(ctx context.Context, res *Result, obs *observation.Observation, composite provider.Image, approved []image.Image) ChangeReport {
	images := []provider.Image{composite}
	for i, img := range approved {
		if i == observation.ApprovedCapacity {
			break
		}
		enc, err := encodeOptional(img)
		if err != nil || enc == nil {
			continue
		}
		images = append(images, enc)
	}
	prompt := changePrompt(obs, len(images)-1)

	start := d.now()
	raw, err := d.models.Change.Client.CompleteVisionStructured(ctx, d.models.Change.Model, prompt, images, changeSchema)
	var report ChangeReport
	if err == nil {
		report, err = decodeChange(raw)
	}
	d.logPrompt(res, StageChange, d.models.Change.Model, prompt, string(raw), len(images), start, err)
	if err != nil {
		d.logger.Warn("change detection failed, assuming no change", zap.Error(err))
		return ChangeReport{}
	}
	return report
}

func (d *Director) arbitrate(ctx context.Context, res *Result, obs *observation.Observation, composite provider.Image, allowed []Eligibility) (arbiterVerdict, error) {
	prompt := d.arbiterPrompt(obs, res.Change, allowed)
	stage := d.models.Arbiter

	start := d.now()
	var raw json.RawMessage
	var err error
	var images int
	if composite != nil {
		images = 1
		raw, err = stage.Client.CompleteVisionStructured(ctx, stage.Model, prompt, []provider.Image{composite}, arbiterSchema)
	} else {
		raw, err = stage.Client.CompleteStructured(ctx, stage.Model, prompt, arbiterSchema)
	}
	var v arbiterVerdict
	if err == nil {
		v, err = decodeArbiter(raw)
	}
	d.logPrompt(res, StageArbiter, stage.Model, prompt, string(raw), images, start, err)
	if err != nil {
		d.logger.Warn("arbiter failed", zap.Error(err))
	}
	return v, err
}

func (d *Director) respond(ctx context.Context, res *Result, c *persona.Character, obs *observation.Observation, images []provider.Image) (string, error) {
	turns := d.responseTurns(c, obs, res.Change, images)
	stage := d.models.Response

	start := d.now()
	var text string
	var err error
	if len(images) > 0 {
		text, err = stage.Client.CompleteVisionChat(ctx, stage.Model, turns)
	} else {
		text, err = stage.Client.CompleteChat(ctx, stage.Model, turns)
	}
	d.logPrompt(res, StageResponse, stage.Model, renderTurns(turns), text, len(images), start, err)
	if err != nil {
		d.logger.Warn("response generation failed", zap.String("persona", c.Spec.ID), zap.Error(err))
		return "", err
	}
	return cleanReply(text, c.Spec.Name), nil
}

func (d *Director) audit(ctx context.Context, res *Result, c *persona.Character, draft string, obs *observation.Observation) (auditOutcome, error) {
	prompt := auditPrompt(c, draft, obs, d.names)
	stage := d.models.Audit

	start := d.now()
	raw, err := stage.Client.CompleteStructured(ctx, stage.Model, prompt, auditSchema)
	var outcome auditOutcome
	if err == nil {
		outcome, err = decodeAudit(raw)
	}
	d.logPrompt(res, StageAudit, stage.Model, prompt, string(raw), 0, start, err)
	if err != nil {
		d.logger.Warn("audit failed", zap.String("persona", c.Spec.ID), zap.Error(err))
		return nil, err
	}
	return outcome, nil
}

func (d *Director) recordDecision(ctx context.Context, obs *observation.Observation, change ChangeReport, v arbiterVerdict, callErr error) {
	if d.recorder == nil {
		return
	}
	rec := store.DecisionRecord{
		ID:             uuid.NewString(),
		Timestamp:      d.now(),
		ShouldRespond:  v.ShouldRespond,
		ResponderID:    v.ResponderID,
		Reasoning:      v.Reasoning,
		SuggestedMood:  v.Mood,
		Urgency:        v.Urgency,
		ContextSummary: contextSummary(obs, change),
	}
	if callErr != nil {
		rec.ShouldRespond = false
		rec.ResponderID = ""
		rec.Reasoning = "arbiter error: " + callErr.Error()
	}
	if err := d.recorder.RecordDecision(ctx, rec); err != nil {
		d.logger.Warn("persist decision", zap.Error(err))
	}
}

func (d *Director) logPrompt(res *Result, stage, model, prompt, response string, images int, start time.Time, err error) {
	entry := PromptLog{
		Stage:     stage,
		Model:     model,
		Prompt:    prompt,
		Response:  response,
		Images:    images,
		Duration:  d.now().Sub(start),
		Timestamp: start,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	res.PromptLogs = append(res.PromptLogs, entry)
	d.logger.Debug("model call",
		zap.String("stage", stage),
		zap.String("model", model),
		zap.Duration("took", entry.Duration),
		zap.Bool("ok", err == nil))
}

func isAllowed(allowed []Eligibility, id string) bool {
	for _, e := range allowed {
		if e.PersonaID == id {
			return true
		}
	}
	return false
}

func encodeOptional(img image.Image) (provider.Image, error) {
	if img == nil {
		return nil, nil
	}
	data, err := vision.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	return provider.Image(data), nil
}
