package audit

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily audit scheduler.
type SchedulerConfig struct {
	Auditor   *Auditor
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
}

// Scheduler runs the auditor once a day at a fixed wall-clock time.
type Scheduler struct {
	auditor   *Auditor
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		auditor:   cfg.Auditor,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
		now:       time.Now,
	}
}

// Start blocks running audits until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.auditor == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.auditor.Run(ctx, RunOptions{}); err != nil {
				s.logger.Error("audit scheduler run failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
