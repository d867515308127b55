// Package janitor runs scheduled retention jobs.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/dewet/internal/config"
)

const jobTimeout = time.Minute

type DecisionPruner interface {
	PruneDecisions(ctx context.Context, before time.Time) (int64, error)
}

type EpisodeSweeper interface {
	DecaySweep(ctx context.Context) (int, error)
	Prune(ctx context.Context) (int, error)
}

// Janitor prunes old decisions and ages episodic memory on cron schedules
// (six fields, seconds first).
type Janitor struct {
	cron      *cron.Cron
	decisions DecisionPruner
	episodes  EpisodeSweeper
	maxAge    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	runCtx context.Context

	logger *zap.Logger
}

// New registers the jobs. episodes may be nil when episodic memory is
// disabled.
func New(cfg config.RetentionConfig, decisions DecisionPruner, episodes EpisodeSweeper, logger *zap.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		decisions: decisions,
		episodes:  episodes,
		maxAge:    time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		now:       time.Now,
		runCtx:    context.Background(),
		logger:    logger,
	}

	if decisions != nil && cfg.DecisionSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.DecisionSchedule, j.job("prune_decisions", j.PruneDecisions)); err != nil {
			return nil, fmt.Errorf("decision schedule %q: %w", cfg.DecisionSchedule, err)
		}
	}
	if episodes != nil && cfg.EpisodeSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.EpisodeSchedule, j.job("sweep_episodes", j.SweepEpisodes)); err != nil {
			return nil, fmt.Errorf("episode schedule %q: %w", cfg.EpisodeSchedule, err)
		}
	}
	return j, nil
}

// Jobs reports how many schedules are registered.
func (j *Janitor) Jobs() int {
	return len(j.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for any running job to finish.
func (j *Janitor) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runCtx = ctx
	j.mu.Unlock()

	j.cron.Start()
	j.logger.Info("Janitor started", zap.Int("jobs", j.Jobs()))
	<-ctx.Done()

	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		j.logger.Warn("Janitor stop timeout waiting for running jobs")
	}
	j.logger.Info("Janitor stopped")
	return nil
}

func (j *Janitor) job(name string, fn func(context.Context) error) func() {
	return func() {
		j.mu.Lock()
		parent := j.runCtx
		j.mu.Unlock()

		ctx, cancel := context.WithTimeout(parent, jobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			j.logger.Warn("Janitor job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// PruneDecisions deletes decisions older than the retention window.
func (j *Janitor) PruneDecisions(ctx context.Context) error {
	before := j.now().Add(-j.maxAge)
	n, err := j.decisions.PruneDecisions(ctx, before)
	if err != nil {
		return err
	}
	j.logger.Info("Decisions pruned", zap.Int64("count", n), zap.Time("before", before))
	return nil
}

// SweepEpisodes decays episode importance and then drops faded episodes.
func (j *Janitor) SweepEpisodes(ctx context.Context) error {
	if _, err := j.episodes.DecaySweep(ctx); err != nil {
		return err
	}
	_, err := j.episodes.Prune(ctx)
	return err
}
