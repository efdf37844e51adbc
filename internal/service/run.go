package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// Run runs the configured service mode until ctx is done. The manual mode
// runs a single harvest and returns its error.
func Run(ctx context.Context, cfg model.Config, p *Pipeline) error {
	switch cfg.Service.Mode {
	case model.ServiceModeManual, "":
		_, err := p.Do(ctx)
		return err
	case model.ServiceModeTimer:
		sup, err := NewSupervisor(ctx, cfg.Service, p.job)
		if err != nil {
			return err
		}
		return sup.Do(ctx)
	case model.ServiceModeServe:
		return Serve(ctx, cfg, p)
	default:
		return fmt.Errorf("unsupported service mode %q", cfg.Service.Mode)
	}
}

// job is a scheduled harvest, every run lists the modules again
func (p *Pipeline) job(ctx context.Context) (harvest.Summary, error) {
	defer p.Forget()
	return p.Do(ctx)
}

// Serve exposes consoles over HTTP on service.listen. Harvests run on
// request and on the schedule if there is one. All consoles are stopped on
// return.
func Serve(ctx context.Context, cfg model.Config, p *Pipeline) error {
	sup, err := NewSupervisor(ctx, cfg.Service, p.job)
	if err != nil {
		return err
	}
	idle := cfg.Service.IdleDuration()
	reg := NewRegistry(p.open, idle)
	srv := NewServer(reg, sup, cfg.Harvest.Retries)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Do(gctx)
	})
	g.Go(func() error {
		reg.Reaper(gctx, reapInterval(idle))
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Service.Listen)
	})
	err = g.Wait()
	return errors.Join(err, reg.Close(context.WithoutCancel(ctx)))
}

func reapInterval(idle time.Duration) time.Duration {
	return min(max(idle/2, time.Second), time.Minute)
}
