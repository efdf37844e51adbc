package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/msfharvest/internal/console"
	"github.com/CZERTAINLY/msfharvest/internal/discovery"
	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/protocol"
	"github.com/CZERTAINLY/msfharvest/internal/report"
	"github.com/CZERTAINLY/msfharvest/internal/store"
)

// ConsoleOpener starts consoles as configured, each waited for to be
// ready.
func ConsoleOpener(cfg model.Console) harvest.Opener {
	cmd := console.Command{
		Path: cfg.Path,
		Args: cfg.Args,
	}
	pcfg := protocol.NewConfig(cfg)
	return func(ctx context.Context) (harvest.Session, error) {
		c, err := protocol.Start(ctx, cmd, pcfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Pipeline is one harvest from the discovery to the stored report.
type Pipeline struct {
	cfg      model.Harvest
	open     harvest.Opener
	writer   report.Writer
	db       *sql.DB
	progress harvest.Progress
	memo     discovery.Memo
}

func NewPipeline(cfg model.Harvest, open harvest.Opener, w report.Writer) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		open:   open,
		writer: w,
	}
}

// WithStore persists listings, runs and records to db.
func (p *Pipeline) WithStore(db *sql.DB) *Pipeline {
	p.db = db
	return p
}

func (p *Pipeline) WithProgress(progress harvest.Progress) *Pipeline {
	p.progress = progress
	return p
}

func (p *Pipeline) options() harvest.Options {
	return harvest.Options{
		Category:  p.cfg.Category,
		Processes: p.cfg.Processes,
		Threads:   p.cfg.Threads,
		Retries:   p.cfg.Retries,
	}
}

func (p *Pipeline) harvester(opts harvest.Options) *harvest.Harvester {
	h := harvest.New(p.open, opts)
	if p.progress != nil {
		h.WithProgress(p.progress)
	}
	return h
}

// Discover lists the modules of the configured category. The listing is
// reused by later calls until Forget.
func (p *Pipeline) Discover(ctx context.Context) (discovery.Listing, error) {
	if l, ok := p.memo.Get(p.cfg.Category); ok {
		return l, nil
	}
	l, err := p.harvester(p.options()).Discover(ctx, &p.memo)
	if err != nil {
		return discovery.Listing{}, err
	}
	slog.InfoContext(ctx, "modules discovered", "category", l.Category, "modules", len(l.Names), "entries", len(l.Entries))
	if p.db != nil && len(l.Entries) > 0 {
		if err := store.SaveListing(ctx, p.db, l.Category, l.Entries); err != nil {
			slog.WarnContext(ctx, "storing listing failed", "error", err)
		}
	}
	return l, nil
}

// Forget drops the discovered listing.
func (p *Pipeline) Forget() {
	p.memo.Forget(p.cfg.Category)
}

// Do discovers the modules, harvests their options and writes the report.
// The report is written even when some process workers failed, their errors
// are returned joined with errors of writing.
func (p *Pipeline) Do(ctx context.Context) (harvest.Summary, error) {
	l, err := p.Discover(ctx)
	if err != nil {
		return harvest.Summary{Category: p.cfg.Category}, fmt.Errorf("discovering modules: %w", err)
	}
	names := l.Names
	if p.cfg.Limit > 0 && len(names) > p.cfg.Limit {
		names = names[:p.cfg.Limit]
	}

	opts := p.options()
	opts.RunID = uuid.NewString()
	if p.db != nil {
		if err := store.Start(ctx, p.db, opts.RunID, opts.Category, time.Now()); err != nil {
			return harvest.Summary{RunID: opts.RunID, Category: opts.Category}, fmt.Errorf("storing run: %w", err)
		}
	}

	summary, collector, runErr := p.harvester(opts).Run(ctx, names)
	records := collector.Records()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := report.Save(ctx, p.writer, records, p.cfg.Format); err != nil {
		errs = append(errs, fmt.Errorf("writing report: %w", err))
	}
	if p.db != nil {
		counts := store.Counts{
			Expected:  summary.Expected,
			Processed: summary.Processed,
			Failed:    summary.Failed,
		}
		// the run outcome is stored even when ctx was canceled
		if err := store.Finish(context.WithoutCancel(ctx), p.db, summary.RunID, counts, records, runErr); err != nil {
			errs = append(errs, fmt.Errorf("storing records: %w", err))
		}
	}
	return summary, errors.Join(errs...)
}
