package observation

import (
	"image"
	"testing"
	"time"

	"github.com/nidhogg/dewet/internal/config"
	"github.com/nidhogg/dewet/internal/vision"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuffer(cfg config.ObservationConfig) (*Buffer, *time.Time) {
	now := t0
	b := NewBuffer(cfg)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func defaultCfg() config.ObservationConfig {
	return config.ObservationConfig{
		ChatDepth:       30,
		ScreenHistory:   4,
		DecayRate:       0.9,
		ForgetThreshold: 0.4,
		FilteredMax:     10,
		TriggerBoost:    0.2,
	}
}

func TestDecayStaysInRangeAndNonIncreasing(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	b.RecordChat(ChatEntry{Sender: UserSender, Content: "hi"})
	b.RecordChat(ChatEntry{Sender: "lyra", Content: "hello"})

	prev := []float64{1, 1}
	for _, minutes := range []float64{0.5, 2, 0, -3, 10, 100} {
		b.ApplyRelevanceDecay(minutes)
		for i, e := range b.ChatHistory() {
			if e.Relevance < 0 || e.Relevance > 1 {
				t.Fatalf("relevance %v out of range", e.Relevance)
			}
			if e.Relevance > prev[i] {
				t.Fatalf("relevance increased from %v to %v", prev[i], e.Relevance)
			}
			if e.Tier != TierFor(e.Relevance, 0.4) {
				t.Fatalf("tier %s inconsistent with relevance %v", e.Tier, e.Relevance)
			}
			prev[i] = e.Relevance
		}
	}
	if prev[0] > 1e-4 {
		t.Errorf("relevance after long decay = %v, want near zero", prev[0])
	}
}

func TestTierThresholds(t *testing.T) {
	tests := []struct {
		relevance float64
		want      Tier
	}{
		{1, TierHot},
		{0.7, TierHot},
		{0.69, TierWarm},
		{0.4, TierWarm},
		{0.39, TierCold},
		{0, TierCold},
	}
	for _, tt := range tests {
		if got := TierFor(tt.relevance, 0.4); got != tt.want {
			t.Errorf("TierFor(%v) = %s, want %s", tt.relevance, got, tt.want)
		}
	}
}

func TestFilteredViewRelevanceSelectionChronologicalOrder(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	rel := []float64{0.9, 0.75, 0.5, 0.3}
	for i, r := range rel {
		e := ChatEntry{Sender: UserSender, Content: string(rune('a' + i)), Timestamp: t0.Add(time.Duration(i) * time.Second), Relevance: r}
		e.retier(0.4)
		b.chat = append(b.chat, e)
	}

	view := b.FilteredView(10)
	if len(view) != 3 {
		t.Fatalf("got %d entries, want 3", len(view))
	}
	for i, want := range []string{"a", "b", "c"} {
		if view[i].Content != want {
			t.Errorf("view[%d] = %q, want %q", i, view[i].Content, want)
		}
	}
}

func TestFilteredViewTruncatesByRelevance(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	rel := []float64{0.95, 0.5, 0.8, 0.6, 0.45}
	for i, r := range rel {
		e := ChatEntry{Sender: "orion", Content: string(rune('a' + i)), Timestamp: t0.Add(time.Duration(i) * time.Minute), Relevance: r}
		e.retier(0.4)
		b.chat = append(b.chat, e)
	}

	view := b.FilteredView(3)
	got := ""
	for _, e := range view {
		got += e.Content
	}
	if got != "acd" {
		t.Errorf("view = %q, want %q", got, "acd")
	}
	if v := b.FilteredView(0); len(v) != 0 {
		t.Errorf("max 0 returned %d entries", len(v))
	}
}

func TestFilteredViewTieBreaksOnRecency(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	for i := 0; i < 3; i++ {
		e := ChatEntry{Sender: UserSender, Content: string(rune('a' + i)), Timestamp: t0.Add(time.Duration(i) * time.Second), Relevance: 0.8, Tier: TierHot}
		b.chat = append(b.chat, e)
	}
	view := b.FilteredView(2)
	if len(view) != 2 || view[0].Content != "b" || view[1].Content != "c" {
		t.Errorf("view = %+v, want the two newest in order", view)
	}
}

func TestQueueFlushRoundTrip(t *testing.T) {
	b, now := newTestBuffer(defaultCfg())
	queued := []ChatEntry{
		{Sender: UserSender, Content: "one"},
		{Content: "two"},
		{Sender: UserSender, Content: "three", Timestamp: t0.Add(-time.Minute)},
	}
	for _, e := range queued {
		b.QueueUserMessage(e)
	}
	if len(b.ChatHistory()) != 0 {
		t.Fatal("queueing must not touch history")
	}
	if b.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", b.PendingCount())
	}

	*now = t0.Add(time.Second)
	flushed := b.FlushPending()
	if len(flushed) != 3 {
		t.Fatalf("flushed %d, want 3", len(flushed))
	}
	history := b.ChatHistory()
	for i, e := range history {
		if e.Content != queued[i].Content || e.Sender != UserSender {
			t.Errorf("history[%d] = %+v", i, e)
		}
		if e.Tier != TierHot {
			t.Errorf("history[%d] tier = %s, want hot", i, e.Tier)
		}
	}
	if !history[2].Timestamp.Equal(t0.Add(-time.Minute)) {
		t.Errorf("explicit timestamp not propagated: %v", history[2].Timestamp)
	}
	if b.PendingCount() != 0 {
		t.Error("pending not drained")
	}
	if len(b.FlushPending()) != 0 {
		t.Error("second flush should be empty")
	}
}

func TestChatCapacityEvictsOldest(t *testing.T) {
	cfg := defaultCfg()
	cfg.ChatDepth = 3
	b, _ := newTestBuffer(cfg)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		b.RecordChat(ChatEntry{Sender: "lyra", Content: c})
	}
	h := b.ChatHistory()
	if len(h) != 3 || h[0].Content != "c" || h[2].Content != "e" {
		t.Errorf("history = %+v, want c..e", h)
	}
}

func TestBoostCapsAndRetiers(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	b.RecordChat(ChatEntry{Sender: UserSender, Content: "x", Timestamp: t0})
	b.ApplyRelevanceDecay(8) // 0.9^8 ≈ 0.43

	if got := b.ChatHistory()[0].Tier; got != TierWarm {
		t.Fatalf("tier before boost = %s, want warm", got)
	}
	if !b.BoostRelevance(t0, 0.5) {
		t.Fatal("boost found no entry")
	}
	e := b.ChatHistory()[0]
	if e.Relevance > 1 || e.Tier != TierHot {
		t.Errorf("after boost relevance=%v tier=%s", e.Relevance, e.Tier)
	}
	b.BoostRelevance(t0, 5)
	if got := b.ChatHistory()[0].Relevance; got != 1 {
		t.Errorf("relevance = %v, want capped at 1", got)
	}
	if b.BoostRelevance(t0.Add(time.Hour), 0.1) {
		t.Error("boost matched a missing timestamp")
	}
}

func TestApprovedSnapshotRing(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	imgs := make([]image.Image, 5)
	for i := range imgs {
		imgs[i] = image.NewGray(image.Rect(0, 0, i+1, 1))
		b.RecordApprovedSnapshot(imgs[i])
	}
	b.RecordApprovedSnapshot(nil)
	got := b.ApprovedSnapshots()
	if len(got) != ApprovedCapacity {
		t.Fatalf("len = %d, want %d", len(got), ApprovedCapacity)
	}
	if got[0] != imgs[4] || got[2] != imgs[2] {
		t.Error("snapshots not most-recent-first")
	}
}

func TestIngestScreenBuildsObservation(t *testing.T) {
	b, now := newTestBuffer(defaultCfg())
	obs := b.IngestScreen(vision.Frame{DiffScore: 0.01}, nil, nil)
	if obs.UserSpoke {
		t.Error("UserSpoke = true before any user message")
	}
	if obs.Summary.Notes == "" || obs.Summary.Timestamp != t0 {
		t.Errorf("summary = %+v", obs.Summary)
	}

	b.RecordChat(ChatEntry{Sender: UserSender, Content: "hello"})
	b.RecordChat(ChatEntry{Sender: "orion", Content: "hey", Timestamp: t0.Add(time.Second)})
	*now = t0.Add(90 * time.Second)
	for i := 0; i < 6; i++ {
		obs = b.IngestScreen(vision.Frame{DiffScore: 0.5, Image: image.NewGray(image.Rect(0, 0, 4, 3))}, nil, nil)
	}
	if !obs.UserSpoke || obs.SinceUser != 90*time.Second {
		t.Errorf("SinceUser = %v (spoke=%v), want 90s", obs.SinceUser, obs.UserSpoke)
	}
	if obs.LastSpeaker() != "orion" {
		t.Errorf("LastSpeaker = %q, want orion", obs.LastSpeaker())
	}
	if u, ok := obs.LastUserEntry(); !ok || u.Content != "hello" {
		t.Errorf("LastUserEntry = %+v, %v", u, ok)
	}
	if n := len(b.ScreenHistory()); n != 4 {
		t.Errorf("screen history = %d, want 4", n)
	}
	if len(obs.RecentChat) != 2 {
		t.Errorf("recent chat = %d, want 2", len(obs.RecentChat))
	}
}

func TestRestoreDecaysByAge(t *testing.T) {
	b, _ := newTestBuffer(defaultCfg())
	b.Restore([]ChatEntry{
		{Sender: UserSender, Content: "old", Timestamp: t0.Add(-time.Hour)},
		{Sender: "lyra", Content: "new", Timestamp: t0.Add(-time.Second)},
	})
	stats := b.TierStats()
	if stats.Cold != 1 || stats.Hot != 1 {
		t.Errorf("stats = %+v, want one cold and one hot", stats)
	}
}
