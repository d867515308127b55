package observation

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/vision"
)

// ApprovedCapacity is the number of approved snapshots retained.
const ApprovedCapacity = 3

// stableDiff is the diff score below which a frame is annotated as stable.
const stableDiff = 0.02

// Observation is the per-tick view handed to the director.
type Observation struct {
	Frame      vision.Frame
	Composite  image.Image
	Dashboard  image.Image
	Summary    ScreenSummary
	RecentChat []ChatEntry // Hot and Warm only, chronological
	AllChat    []ChatEntry
	SinceUser  time.Duration
	UserSpoke  bool
}

// LastSpeaker returns the sender of the newest chat entry, or "".
func (o *Observation) LastSpeaker() string {
	if len(o.AllChat) == 0 {
		return ""
	}
	return o.AllChat[len(o.AllChat)-1].Sender
}

// LastUserEntry returns the newest user entry.
func (o *Observation) LastUserEntry() (ChatEntry, bool) {
	for i := len(o.AllChat) - 1; i >= 0; i-- {
		if o.AllChat[i].FromUser() {
			return o.AllChat[i], true
		}
	}
	return ChatEntry{}, false
}

// Buffer holds decayed chat memory, the screen history ring, the pending
// user-message queue and the approved snapshot ring. It has one writer, the
// perception loop; the mutex only makes the read views safe to copy.
type Buffer struct {
	cfg      config.ObservationConfig
	chat     []ChatEntry
	pending  []ChatEntry
	screens  []ScreenSummary
	approved []image.Image // oldest first
	lastUser time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewBuffer creates an empty buffer. Capacities below one are raised to one.
func NewBuffer(cfg config.ObservationConfig) *Buffer {
	if cfg.ChatDepth < 1 {
		cfg.ChatDepth = 1
	}
	if cfg.ScreenHistory < 1 {
		cfg.ScreenHistory = 1
	}
	if cfg.DecayRate <= 0 || cfg.DecayRate > 1 {
		cfg.DecayRate = 1
	}
	cfg.ForgetThreshold = clamp01(cfg.ForgetThreshold)
	return &Buffer{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// QueueUserMessage parks a user message until the next flush.
func (b *Buffer) QueueUserMessage(e ChatEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Sender == "" {
		e.Sender = UserSender
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.pending = append(b.pending, e)
}

// PendingCount returns the number of queued user messages.
func (b *Buffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FlushPending moves every queued message into chat history and returns them.
func (b *Buffer) FlushPending() []ChatEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	flushed := b.pending
	b.pending = nil
	for i := range flushed {
		flushed[i].Relevance = 1
		flushed[i].retier(b.cfg.ForgetThreshold)
		b.push(flushed[i])
	}
	return flushed
}

// RecordChat appends an entry to history at full relevance.
func (b *Buffer) RecordChat(e ChatEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	e.Relevance = 1
	e.retier(b.cfg.ForgetThreshold)
	b.push(e)
}

// Restore loads persisted history, decaying each entry for its age.
func (b *Buffer) Restore(entries []ChatEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, e := range entries {
		e.Relevance = 1
		e.decay(b.cfg.DecayRate, now.Sub(e.Timestamp).Minutes())
		e.retier(b.cfg.ForgetThreshold)
		b.push(e)
	}
}

func (b *Buffer) push(e ChatEntry) {
	if e.FromUser() && e.Timestamp.After(b.lastUser) {
		b.lastUser = e.Timestamp
	}
	b.chat = append(b.chat, e)
	if over := len(b.chat) - b.cfg.ChatDepth; over > 0 {
		b.chat = append(b.chat[:0:0], b.chat[over:]...)
	}
}

// ApplyRelevanceDecay decays every entry by rate^minutes and re-derives tiers.
func (b *Buffer) ApplyRelevanceDecay(elapsedMinutes float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if math.IsNaN(elapsedMinutes) || elapsedMinutes < 0 {
		elapsedMinutes = 0
	}
	for i := range b.chat {
		b.chat[i].decay(b.cfg.DecayRate, elapsedMinutes)
		b.chat[i].retier(b.cfg.ForgetThreshold)
	}
}

// BoostRelevance adds boost to the entry written at ts, capped at 1. It
// reports whether an entry matched.
func (b *Buffer) BoostRelevance(ts time.Time, boost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if boost < 0 {
		boost = 0
	}
	for i := len(b.chat) - 1; i >= 0; i-- {
		if b.chat[i].Timestamp.Equal(ts) {
			b.chat[i].Relevance = clamp01(b.chat[i].Relevance + boost)
			b.chat[i].retier(b.cfg.ForgetThreshold)
			return true
		}
	}
	return false
}

// FilteredView selects the maxCount most relevant non-Cold entries, newest
// first on ties, and returns them in chronological order.
func (b *Buffer) FilteredView(maxCount int) []ChatEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filtered(maxCount)
}

func (b *Buffer) filtered(maxCount int) []ChatEntry {
	if maxCount <= 0 {
		return nil
	}
	view := make([]ChatEntry, 0, len(b.chat))
	for _, e := range b.chat {
		if e.Tier != TierCold {
			view = append(view, e)
		}
	}
	sort.SliceStable(view, func(i, j int) bool {
		if view[i].Relevance != view[j].Relevance {
			return view[i].Relevance > view[j].Relevance
		}
		return view[i].Timestamp.After(view[j].Timestamp)
	})
	if len(view) > maxCount {
		view = view[:maxCount]
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].Timestamp.Before(view[j].Timestamp)
	})
	return view
}

// ChatHistory returns a copy of the full history, oldest first.
func (b *Buffer) ChatHistory() []ChatEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChatEntry(nil), b.chat...)
}

// RecordApprovedSnapshot keeps img as context for later change detection.
func (b *Buffer) RecordApprovedSnapshot(img image.Image) {
	if img == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approved = append(b.approved, img)
	if over := len(b.approved) - ApprovedCapacity; over > 0 {
		b.approved = append(b.approved[:0:0], b.approved[over:]...)
	}
}

// ApprovedSnapshots returns retained snapshots, most recent first.
func (b *Buffer) ApprovedSnapshots() []image.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]image.Image, 0, len(b.approved))
	for i := len(b.approved) - 1; i >= 0; i-- {
		out = append(out, b.approved[i])
	}
	return out
}

// IngestScreen records a summary of frame and builds the tick's Observation.
func (b *Buffer) IngestScreen(frame vision.Frame, composite, dashboard image.Image) *Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	summary := summarize(frame, b.now())
	b.screens = append(b.screens, summary)
	if over := len(b.screens) - b.cfg.ScreenHistory; over > 0 {
		b.screens = append(b.screens[:0:0], b.screens[over:]...)
	}

	obs := &Observation{
		Frame:      frame,
		Composite:  composite,
		Dashboard:  dashboard,
		Summary:    summary,
		RecentChat: b.filtered(b.cfg.FilteredMax),
		AllChat:    append([]ChatEntry(nil), b.chat...),
	}
	if !b.lastUser.IsZero() {
		obs.UserSpoke = true
		obs.SinceUser = b.now().Sub(b.lastUser)
		if obs.SinceUser < 0 {
			obs.SinceUser = 0
		}
	}
	return obs
}

// ScreenHistory returns retained summaries, oldest first.
func (b *Buffer) ScreenHistory() []ScreenSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ScreenSummary(nil), b.screens...)
}

// TierStats counts entries per tier.
func (b *Buffer) TierStats() TierStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s TierStats
	for _, e := range b.chat {
		switch e.Tier {
		case TierHot:
			s.Hot++
		case TierWarm:
			s.Warm++
		default:
			s.Cold++
		}
	}
	return s
}

func summarize(frame vision.Frame, now time.Time) ScreenSummary {
	notes := fmt.Sprintf("diff=%.4f", frame.DiffScore)
	if frame.Image != nil {
		r := frame.Image.Bounds()
		notes += fmt.Sprintf(", dims=%dx%d", r.Dx(), r.Dy())
	}
	if frame.DiffScore < stableDiff {
		notes += ", stable view"
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return ScreenSummary{Timestamp: ts, DiffScore: clamp01(frame.DiffScore), Notes: notes}
}
