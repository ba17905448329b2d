package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ucs200525/panchang-bot/internal/domain"
	"github.com/ucs200525/panchang-bot/internal/keylock"
	"github.com/ucs200525/panchang-bot/internal/store"
	"github.com/ucs200525/panchang-bot/internal/timezone"
)

// ErrClosed is returned by Schedule after Shutdown. It matches domain.ErrShutdown.
var ErrClosed = fmt.Errorf("scheduler: %w", domain.ErrShutdown)

// Deliverer produces one kind of content for (city, date) and sends it to target.
type Deliverer interface {
	Deliver(ctx context.Context, kind domain.SubscriptionType, target domain.Target, city, date string) error
}

// TargetFunc returns the addressed-send target for a user.
type TargetFunc func(userID int64) domain.Target

// Options tune the scheduler. Zero values pick defaults.
type Options struct {
	FireTimeout     time.Duration // bound for one fired job, all deliveries included
	InitConcurrency int           // parallel installs in InitializeAll
}

type job struct {
	id   cron.EntryID
	rule domain.Rule
}

// Scheduler owns one daily cron job per subscribed user.
type Scheduler struct {
	repo     store.Repo
	resolver timezone.Resolver
	deliver  Deliverer
	targets  TargetFunc
	log      *zap.Logger
	opts     Options

	cron  *cron.Cron
	locks keylock.Map[int64]

	mu     sync.Mutex
	jobs   map[int64]job
	closed bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	now        func() time.Time
}

// New creates a Scheduler. Call Start to begin firing jobs.
func New(repo store.Repo, resolver timezone.Resolver, deliver Deliverer, targets TargetFunc, log *zap.Logger, opts Options) *Scheduler {
	if opts.FireTimeout <= 0 {
		opts.FireTimeout = 2 * time.Minute
	}
	if opts.InitConcurrency <= 0 {
		opts.InitConcurrency = 4
	}
	cl := cronLogger{log: log.Named("cron").Sugar()}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:     repo,
		resolver: resolver,
		deliver:  deliver,
		targets:  targets,
		log:      log,
		opts:     opts,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:       make(map[int64]job),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		now:        time.Now,
	}
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Schedule (re)installs the daily job for userID. An existing job is removed
// first, so at most one job per user is live. On error no job remains.
//
// The timezone comes from prefs.Timezone when set; otherwise prefs.City is
// resolved and the result persisted for next time.
func (s *Scheduler) Schedule(ctx context.Context, userID int64, prefs domain.UserPreferences) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	s.cancelLocked(userID)

	tz, err := s.timezoneFor(ctx, userID, prefs)
	if err != nil {
		return err
	}
	rule, err := domain.NewRule(prefs.NotificationTime, tz)
	if err != nil {
		return err
	}
	sched, err := cron.ParseStandard(rule.CronSpec())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrValidation, rule.CronSpec(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(userID, rule) }))
	s.jobs[userID] = job{id: id, rule: rule}

	s.log.Info("job scheduled",
		zap.Int64("user_id", userID),
		zap.Stringer("rule", rule),
		zap.Time("next", sched.Next(s.now())))
	return nil
}

func (s *Scheduler) timezoneFor(ctx context.Context, userID int64, prefs domain.UserPreferences) (string, error) {
	if prefs.Timezone != "" {
		if _, err := domain.ValidateTZ(prefs.Timezone); err == nil {
			return prefs.Timezone, nil
		}
		s.log.Warn("stored timezone invalid, resolving again",
			zap.Int64("user_id", userID), zap.String("tz", prefs.Timezone))
	}
	if !domain.IsValidCity(prefs.City) {
		return "", fmt.Errorf("%w: city %q", domain.ErrValidation, prefs.City)
	}
	tz, err := s.resolver.Resolve(ctx, prefs.City)
	if err != nil {
		return "", fmt.Errorf("resolve timezone for %q: %w", prefs.City, err)
	}
	if err := s.repo.SavePreferences(ctx, userID, domain.PreferencesPatch{Timezone: &tz}); err != nil {
		// the job can still run with the resolved zone
		s.log.Warn("persist timezone failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return tz, nil
}

// Cancel removes the user's job. It reports whether a job existed.
func (s *Scheduler) Cancel(userID int64) bool {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.cancelLocked(userID)
}

// cancelLocked expects the per-user lock to be held.
func (s *Scheduler) cancelLocked(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[userID]
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	delete(s.jobs, userID)
	s.log.Info("job cancelled", zap.Int64("user_id", userID))
	return true
}

// InitializeAll installs jobs for every subscribed user. A failure for one user
// is logged and does not stop the rest. It fails only if the list cannot be read.
func (s *Scheduler) InitializeAll(ctx context.Context) (int, error) {
	subs, err := s.repo.GetAllSubscribed(ctx)
	if err != nil {
		return 0, fmt.Errorf("load subscribers: %w", err)
	}

	var (
		installed atomic.Int64
		g         errgroup.Group
	)
	g.SetLimit(s.opts.InitConcurrency)
	for _, p := range subs {
		g.Go(func() error {
			if err := s.Schedule(ctx, p.UserID, p); err != nil {
				s.log.Error("initial schedule failed", zap.Int64("user_id", p.UserID), zap.Error(err))
				return nil
			}
			installed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(installed.Load())
	s.log.Info("scheduler initialized", zap.Int("subscribers", len(subs)), zap.Int("installed", n))
	return n, nil
}

// Shutdown removes every job, aborts in-flight deliveries and waits for running
// jobs to return or ctx to expire. Safe to call with zero jobs and more than once.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	n := len(s.jobs)
	for userID, j := range s.jobs {
		s.cron.Remove(j.id)
		delete(s.jobs, userID)
	}
	s.mu.Unlock()

	s.cancelBase()
	stopped := s.cron.Stop()
	s.log.Info("scheduler stopping", zap.Int("cancelled", n))

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next firing time of the user's job.
func (s *Scheduler) Next(userID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[userID]
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(j.id)
	if !e.Next.IsZero() {
		return e.Next, true
	}
	// not started yet, or the entry was just added
	if e.Schedule == nil {
		return time.Time{}, false
	}
	return e.Schedule.Next(s.now()), true
}

// Rule returns the installed rule for the user.
func (s *Scheduler) Rule(userID int64) (domain.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[userID]
	return j.rule, ok
}

// Len returns the number of live jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// fire runs one delivery round. Preferences are re-read so a user who
// unsubscribed after the job was installed gets nothing.
func (s *Scheduler) fire(userID int64, rule domain.Rule) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.FireTimeout)
	defer cancel()

	log := s.log.With(zap.Int64("user_id", userID), zap.String("run_id", uuid.NewString()))

	prefs, err := s.repo.GetPreferences(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Info("fired for unknown user, skipping")
		return
	case err != nil:
		log.Error("fired job could not read preferences", zap.Error(err))
		return
	case !prefs.IsSubscribed:
		log.Info("fired for unsubscribed user, skipping")
		return
	}

	date := rule.LocalDate(s.now())
	target := s.targets(userID)
	var failed int
	for _, kind := range prefs.SubscriptionTypes {
		if err := s.deliver.Deliver(ctx, kind, target, prefs.City, date); err != nil {
			failed++
			log.Error("delivery failed", zap.String("kind", string(kind)), zap.Error(err))
			if nerr := target.Text(ctx, deliveryFailedText(kind, date), domain.FormatPlain); nerr != nil {
				log.Warn("failure notice not sent", zap.Error(nerr))
			}
			continue
		}
		log.Debug("delivered", zap.String("kind", string(kind)))
	}
	log.Info("delivery round done",
		zap.String("date", date),
		zap.Int("kinds", len(prefs.SubscriptionTypes)),
		zap.Int("failed", failed))
}

func deliveryFailedText(kind domain.SubscriptionType, date string) string {
	return fmt.Sprintf("⚠️ Could not prepare your %s for %s. Please try /%s later.", kind.DisplayName(), date, kind)
}
