package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/parallel"
)

// Job runs one complete harvest.
type Job func(ctx context.Context) (harvest.Summary, error)

// Outcome is the result of the last finished harvest.
type Outcome struct {
	harvest.Summary
	Error string `json:"error,omitempty"`
}

// Supervisor runs harvest jobs in the background, one at a time. Jobs are
// triggered by Start or by the schedule.
type Supervisor struct {
	job       Job
	scheduler gocron.Scheduler
	start     chan struct{}
	running   atomic.Bool
	wg        sync.WaitGroup

	mx      sync.Mutex
	last    *Outcome
	stopped bool
}

// NewSupervisor creates a supervisor, with a scheduler when cfg has a
// schedule.
func NewSupervisor(ctx context.Context, cfg model.Service, job Job) (*Supervisor, error) {
	s := &Supervisor{
		job:   job,
		start: make(chan struct{}, 1),
	}
	if cfg.Mode == model.ServiceModeTimer || cfg.Schedule != nil {
		scheduler, err := newScheduler(ctx, cfg.Schedule, func() {
			if err := s.Start(); err != nil {
				slog.WarnContext(ctx, "scheduled harvest skipped", "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		s.scheduler = scheduler
	}
	return s, nil
}

// Start asks for a new harvest. It returns ErrAlreadyRunning when a harvest
// is running or waiting to be run and ErrNotRunning once Do has returned.
func (s *Supervisor) Start() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.stopped {
		return fmt.Errorf("harvest supervisor: %w", ErrNotRunning)
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("harvest: %w", ErrAlreadyRunning)
	}
	s.start <- struct{}{}
	return nil
}

// Last returns the outcome of the last finished harvest or ErrNotFound.
func (s *Supervisor) Last() (Outcome, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.last == nil {
		return Outcome{}, fmt.Errorf("harvest: %w", ErrNotFound)
	}
	return *s.last, nil
}

// Do runs the supervisor event loop until ctx is done. The scheduler runs
// for the life of the loop, a running harvest is waited for on exit.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.mx.Lock()
			s.stopped = true
			s.mx.Unlock()
			return nil
		case <-s.start:
			s.wg.Go(func() {
				s.run(ctx)
			})
		}
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.running.Store(false)

	var summary harvest.Summary
	err := parallel.Safe(func() error {
		var err error
		summary, err = s.job(ctx)
		return err
	})

	o := Outcome{Summary: summary}
	if err != nil {
		o.Error = err.Error()
		slog.ErrorContext(ctx, "harvest failed", "run_id", summary.RunID, "error", err)
	} else {
		slog.InfoContext(ctx, "harvest finished", "run_id", summary.RunID, "processed", summary.Processed)
	}
	s.mx.Lock()
	s.last = &o
	s.mx.Unlock()
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := ParseCueDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration must be positive, got %q", cfg.Duration)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing gocron job: %w", err), s.Shutdown())
	}
	return s, nil
}
