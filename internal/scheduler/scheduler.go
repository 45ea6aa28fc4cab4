// Package scheduler runs harmonization passes for every pairing, on demand
// or on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/harmony/internal/harmonize"
	"github.com/marcus/harmony/internal/models"
)

// Runner performs one pass over a pairing. *harmonize.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, cc models.CollectionCorrelation) (models.Statistics, error)
}

// Pairings lists the pairings to harmonize. *db.DB satisfies it.
type Pairings interface {
	ListCollectionCorrelations(ctx context.Context) ([]models.CollectionCorrelation, error)
}

// Config wires a Scheduler.
type Config struct {
	Pairings    Pairings
	Runner      Runner
	MaxParallel int
	PassTimeout time.Duration // zero means no per-pass limit
	Logger      *slog.Logger
}

// Scheduler fans passes out over pairings with bounded parallelism.
type Scheduler struct {
	pairings    Pairings
	runner      Runner
	maxParallel int
	passTimeout time.Duration
	logger      *slog.Logger
}

// New returns a Scheduler for cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.MaxParallel
	if n <= 0 {
		n = 1
	}
	return &Scheduler{
		pairings:    cfg.Pairings,
		runner:      cfg.Runner,
		maxParallel: n,
		passTimeout: cfg.PassTimeout,
		logger:      logger,
	}
}

// Result is the outcome of one tick.
type Result struct {
	Stats   models.Statistics
	Passes  int
	Skipped int // lease held by another process
	Errors  int
}

// RunAll runs one pass for every pairing matched by filter (nil matches all).
// Pairings whose lease is held elsewhere are skipped quietly. The returned
// error joins every other pass failure.
func (s *Scheduler) RunAll(ctx context.Context, filter func(models.CollectionCorrelation) bool) (Result, error) {
	var res Result
	pairings, err := s.pairings.ListCollectionCorrelations(ctx)
	if err != nil {
		return res, fmt.Errorf("list pairings: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.maxParallel)
	for _, cc := range pairings {
		if filter != nil && !filter(cc) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			stats, err := s.runOne(ctx, cc)
			mu.Lock()
			defer mu.Unlock()
			res.Passes++
			res.Stats.Add(stats)
			switch {
			case errors.Is(err, harmonize.ErrLeaseHeld):
				res.Skipped++
			case err != nil:
				res.Errors++
				errs = append(errs, fmt.Errorf("pairing %s: %w", cc.AffiliationID, err))
			}
			return nil
		})
	}
	g.Wait()
	return res, errors.Join(errs...)
}

func (s *Scheduler) runOne(ctx context.Context, cc models.CollectionCorrelation) (models.Statistics, error) {
	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	stats, err := s.runner.Run(ctx, cc)
	log := s.logger.With("affiliation", cc.AffiliationID)
	switch {
	case errors.Is(err, harmonize.ErrLeaseHeld):
		log.Debug("pass skipped, pairing busy", "err", err)
	case err != nil:
		log.Error("harmonization pass failed", "err", err)
	}
	return stats, err
}

// Start runs RunAll on the cron expression expr until ctx is done. A tick that
// is still running when the next one fires causes that one to be skipped.
func (s *Scheduler) Start(ctx context.Context, expr string) error {
	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(expr, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	s.logger.Info("scheduler started", "schedule", expr, "max_parallel", s.maxParallel)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	res, err := s.RunAll(ctx, nil)
	if err != nil && res.Passes == 0 {
		s.logger.Error("scheduled run", "err", err)
		return
	}
	s.logger.Info("scheduled run complete",
		"passes", res.Passes, "skipped", res.Skipped, "errors", res.Errors,
		"changes", res.Stats.Changes(), "failed_objects", res.Stats.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
}

// ValidateSchedule reports whether expr is a usable five-field cron
// expression.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return nil
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
