// Package scheduler triggers the daily routine of every active strategy on a
// cron schedule, fans the runs out with a concurrency cap and reports the
// aggregate outcome.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/domain"
	"autotrader/internal/events"
	"autotrader/internal/notify"
	"autotrader/internal/store"
)

// Runner executes one strategy cycle. *engine.Engine implements it.
type Runner interface {
	RunDailyRoutine(ctx context.Context, strategyID int64) domain.RunResult
}

// Config controls the scheduler.
type Config struct {
	// RunCron triggers RunAllActive; SummaryCron triggers the daily summary.
	// Both use the standard five-field syntax. An empty SummaryCron
	// disables the summary.
	RunCron     string
	SummaryCron string
	Timezone    string

	MaxConcurrency int
	RunTimeout     time.Duration
}

// DefaultConfig returns the stock schedule: runs at 18:30 Seoul time on
// weekdays, summary at 07:00 the following mornings.
func DefaultConfig() Config {
	return Config{
		RunCron:        "30 18 * * 1-5",
		SummaryCron:    "0 7 * * 2-6",
		Timezone:       "Asia/Seoul",
		MaxConcurrency: 4,
		RunTimeout:     5 * time.Minute,
	}
}

// Validate checks the cron expressions and limits.
func (c Config) Validate() error {
	if _, err := cron.ParseStandard(c.RunCron); err != nil {
		return &domain.ConfigurationError{Field: "scheduler.run_cron", Reason: err.Error()}
	}
	if c.SummaryCron != "" {
		if _, err := cron.ParseStandard(c.SummaryCron); err != nil {
			return &domain.ConfigurationError{Field: "scheduler.summary_cron", Reason: err.Error()}
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return &domain.ConfigurationError{Field: "scheduler.timezone", Reason: err.Error()}
	}
	if c.MaxConcurrency <= 0 {
		return &domain.ConfigurationError{Field: "scheduler.max_concurrency", Reason: "must be positive"}
	}
	if c.RunTimeout <= 0 {
		return &domain.ConfigurationError{Field: "scheduler.run_timeout", Reason: "must be positive"}
	}
	return nil
}

// Scheduler fans RunDailyRoutine out over the active strategies.
type Scheduler struct {
	store    store.Store
	runner   Runner
	cfg      Config
	loc      *time.Location
	bus      *events.Bus
	notifier notify.Notifier
	archive  *store.ParquetArchive
	now      func() time.Time
	log      *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithBus publishes every RunResult and report to bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithNotifier sends reports and summaries to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithArchive exports the day's orders and snapshots after each fan-out.
func WithArchive(a *store.ParquetArchive) Option {
	return func(s *Scheduler) { s.archive = a }
}

// New validates cfg and creates a Scheduler.
func New(st store.Store, runner Runner, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)
	s := &Scheduler{
		store:  st,
		runner: runner,
		cfg:    cfg,
		loc:    loc,
		now:    time.Now,
		log:    slog.Default().With("component", "scheduler"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// RunAllActive runs every ACTIVE strategy, at most MaxConcurrency at a time,
// each bounded by RunTimeout and by ctx. A failing or timed-out run never
// affects the others. The report lists results in strategy ID order.
func (s *Scheduler) RunAllActive(ctx context.Context) (domain.AggregateReport, error) {
	report := domain.AggregateReport{Started: s.now()}

	strategies, err := s.store.ListStrategies(ctx, domain.StrategyStatusActive)
	if err != nil {
		return report, fmt.Errorf("list active strategies: %w", err)
	}
	s.log.Info("fan-out started", "strategies", len(strategies), "max_concurrency", s.cfg.MaxConcurrency)

	results := make([]domain.RunResult, len(strategies))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, st := range strategies {
		g.Go(func() error {
			results[i] = s.runOne(ctx, st)
			s.bus.PublishResult(results[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.Add(r)
	}
	report.Finished = s.now()
	s.log.Info("fan-out finished", "total", report.Total, "succeeded", report.Succeeded,
		"partial", report.Partial, "skipped", report.Skipped, "failed", report.Failed,
		"elapsed", report.Finished.Sub(report.Started))

	s.bus.PublishReport(report)
	s.deliver(ctx, notify.FormatReport(report))
	if s.archive != nil {
		if err := s.archiveDay(context.WithoutCancel(ctx), report); err != nil {
			s.log.Warn("archive failed", "error", err)
		}
	}
	return report, nil
}

// runOne runs a single strategy under its own timeout. A panic becomes a
// FAILED result.
func (s *Scheduler) runOne(ctx context.Context, st domain.Strategy) (res domain.RunResult) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("run panicked", "strategy", st.Name, "panic", p, "stack", string(debug.Stack()))
			res = domain.RunResult{
				StrategyID:   st.ID,
				StrategyName: st.Name,
				Status:       domain.RunStatusFailed,
				Error:        fmt.Sprintf("panic: %v", p),
				StartedAt:    s.now(),
				FinishedAt:   s.now(),
			}
		}
	}()

	res = s.runner.RunDailyRoutine(runCtx, st.ID)
	if res.StrategyName == "" {
		res.StrategyName = st.Name
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && res.Error == "" && res.Status != domain.RunStatusSuccess {
		res.Error = "run timed out"
	}
	return res
}

// archiveDay exports the orders placed today (scheduler timezone) and the
// snapshot history of every strategy that ran.
func (s *Scheduler) archiveDay(ctx context.Context, report domain.AggregateReport) error {
	day := report.Started.In(s.loc)
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	orders, err := s.store.ListOrdersBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	if err := s.archive.ArchiveOrders(ctx, orders); err != nil {
		return err
	}

	for _, r := range report.Results {
		if r.SnapshotID == 0 {
			continue
		}
		snaps, err := s.store.ListSnapshots(ctx, r.StrategyID, 0)
		if err != nil {
			return fmt.Errorf("list snapshots of %d: %w", r.StrategyID, err)
		}
		if err := s.archive.ArchiveSnapshots(ctx, snaps); err != nil {
			return err
		}
	}
	s.log.Info("archived", "orders", len(orders), "date", from.Format("2006-01-02"))
	return nil
}

// ---------------------------------------------------------------------------
// Daily summary
// ---------------------------------------------------------------------------

// Summaries returns the latest state of every active strategy.
func (s *Scheduler) Summaries(ctx context.Context) ([]notify.StrategySummary, error) {
	strategies, err := s.store.ListStrategies(ctx, domain.StrategyStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active strategies: %w", err)
	}

	items := make([]notify.StrategySummary, 0, len(strategies))
	for _, st := range strategies {
		item := notify.StrategySummary{Name: st.Name, Code: st.Code, Symbol: st.Symbol}
		snap, err := s.store.Latest(ctx, st.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("latest snapshot of %s: %w", st.Name, err)
		default:
			item.Cycle = snap.Cycle
			item.Status = snap.Status
			item.Error = snap.Error
			if err := json.Unmarshal(snap.Progress, &item.Progress); err != nil {
				s.log.Warn("undecodable progress", "strategy", st.Name, "error", err)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// SendDailySummary posts the latest state of every active strategy.
func (s *Scheduler) SendDailySummary(ctx context.Context) error {
	items, err := s.Summaries(ctx)
	if err != nil {
		return err
	}
	title := "Strategy summary " + s.now().In(s.loc).Format("2006-01-02")
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Notify(ctx, notify.FormatSummary(title, items))
}

func (s *Scheduler) deliver(ctx context.Context, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
		s.log.Warn("notification failed", "title", msg.Title, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Cron loop
// ---------------------------------------------------------------------------

// Start registers the cron entries and blocks until ctx is cancelled. Jobs
// still running are awaited before it returns.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(s.cfg.RunCron, func() {
		if _, err := s.RunAllActive(ctx); err != nil {
			s.log.Error("scheduled run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register run job: %w", err)
	}
	if s.cfg.SummaryCron != "" {
		if _, err := c.AddFunc(s.cfg.SummaryCron, func() {
			if err := s.SendDailySummary(ctx); err != nil {
				s.log.Error("daily summary failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("register summary job: %w", err)
		}
	}

	c.Start()
	for _, e := range c.Entries() {
		s.log.Info("job scheduled", "next", e.Next.In(s.loc))
	}

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// NextRun returns the next time the run job fires after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	sched, err := cron.ParseStandard(s.cfg.RunCron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t.In(s.loc))
}
