// Package maintenance runs periodic housekeeping: insight retention,
// notification history pruning and cache sweeps.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"finsight/internal/monitoring"
)

const (
	defaultRetentionDays = 90
	defaultPurgeSpec     = "@daily"
	defaultPruneSpec     = "@hourly"
	defaultSweepSpec     = "@every 10m"

	JobInsightRetention = "insight_retention"
	JobNotifyPrune      = "notification_history"
	JobCacheSweep       = "cache_sweep"
)

type (
	// InsightPurger deletes insights created before cutoff.
	InsightPurger interface {
		DeleteInsightsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// Pruner drops expired notification history.
	Pruner interface {
		Prune() int
	}

	// Sweeper drops expired cache entries.
	Sweeper interface {
		Sweep() int
	}
)

// Cleaner coordinates the maintenance jobs. Any nil dependency disables
// the corresponding job.
type Cleaner struct {
	insights  InsightPurger
	history   Pruner
	caches    Sweeper
	cron      *cron.Cron
	now       func() time.Time
	metrics   *monitoring.Metrics
	log       *slog.Logger
	retention int

	purgeSchedule string
	pruneSchedule string
	sweepSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention cutoffs.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays adjusts how long insights are kept.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

func WithPurgeSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.purgeSchedule = spec
		}
	}
}

func WithPruneSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pruneSchedule = spec
		}
	}
}

func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(cleaner *Cleaner) { cleaner.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(cleaner *Cleaner) {
		if l != nil {
			cleaner.log = l
		}
	}
}

func NewCleaner(insights InsightPurger, history Pruner, caches Sweeper, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		insights:      insights,
		history:       history,
		caches:        caches,
		now:           time.Now,
		retention:     defaultRetentionDays,
		purgeSchedule: defaultPurgeSpec,
		pruneSchedule: defaultPruneSpec,
		sweepSchedule: defaultSweepSpec,
		log:           slog.Default().With("component", "maintenance"),
	}
	for _, opt := range opts {
		opt(cleaner)
	}
	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

type job struct {
	name string
	spec string
	run  func(context.Context) error
}

func (c *Cleaner) jobs() []job {
	var jobs []job
	if c.insights != nil {
		jobs = append(jobs, job{JobInsightRetention, c.purgeSchedule, c.purgeInsights})
	}
	if c.history != nil {
		jobs = append(jobs, job{JobNotifyPrune, c.pruneSchedule, c.pruneHistory})
	}
	if c.caches != nil {
		jobs = append(jobs, job{JobCacheSweep, c.sweepSchedule, c.sweepCaches})
	}
	return jobs
}

// Start registers the enabled jobs and launches the cron scheduler.
func (c *Cleaner) Start() error {
	jobs := c.jobs()
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		j := j
		if _, err := c.cron.AddFunc(j.spec, func() { c.runJob(context.Background(), j) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	c.cron.Start()
	c.log.Info("Maintenance jobs scheduled", "jobs", len(jobs), "retention_days", c.retention)
	return nil
}

// Stop halts the scheduler. The returned context is done once running
// jobs have finished.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every enabled job sequentially and joins their errors.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs error
	for _, j := range c.jobs() {
		errs = multierr.Append(errs, c.runJob(ctx, j))
	}
	return errs
}

func (c *Cleaner) runJob(ctx context.Context, j job) error {
	err := j.run(ctx)
	c.metrics.MaintenanceRun(j.name, err)
	if err != nil {
		c.log.WarnContext(ctx, "Maintenance job failed", "job", j.name, "error", err)
		return fmt.Errorf("%s: %w", j.name, err)
	}
	return nil
}

func (c *Cleaner) purgeInsights(ctx context.Context) error {
	cutoff := c.now().AddDate(0, 0, -c.retention)
	n, err := c.insights.DeleteInsightsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	c.metrics.InsightsPurged(n)
	if n > 0 {
		c.log.InfoContext(ctx, "Purged old insights", "count", n, "cutoff", cutoff)
	}
	return nil
}

func (c *Cleaner) pruneHistory(ctx context.Context) error {
	if n := c.history.Prune(); n > 0 {
		c.log.DebugContext(ctx, "Pruned notification history", "entries", n)
	}
	return nil
}

func (c *Cleaner) sweepCaches(ctx context.Context) error {
	if n := c.caches.Sweep(); n > 0 {
		c.log.DebugContext(ctx, "Swept expired cache entries", "entries", n)
	}
	return nil
}
