package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/msfharvest/internal/discovery"
	"github.com/CZERTAINLY/msfharvest/internal/extract"
	"github.com/CZERTAINLY/msfharvest/internal/log"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/parallel"
)

// Session is a console owned by one process worker.
type Session interface {
	Console
	Close() error
}

// Opener starts a console which is ready for commands.
type Opener func(ctx context.Context) (Session, error)

type Options struct {
	Category  string
	Processes int // 0 means DefaultProcesses
	Threads   int
	Retries   int
	RunID     string // empty means a new random one for every Run
}

// Progress receives the harvest events. Module and ProcessDone are called
// concurrently.
type Progress interface {
	Start(plan Plan)
	Module(shard Shard, name string, state model.ModuleState)
	ProcessDone(proc int, err error)
	Stop()
}

type Summary struct {
	RunID      string        `json:"run_id"`
	Category   string        `json:"category"`
	Expected   int           `json:"expected"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
}

// Harvester runs a pool of console processes, each with a pool of threads
// sharing its console, and collects the options of every module.
type Harvester struct {
	open     Opener
	opts     Options
	parse    Parser
	progress Progress
}

func New(open Opener, opts Options) *Harvester {
	if opts.Category == "" {
		opts.Category = model.CategoryExploit
	}
	if opts.Processes <= 0 {
		opts.Processes = DefaultProcesses()
	}
	opts.Threads = max(1, opts.Threads)
	opts.Retries = max(1, opts.Retries)
	return &Harvester{
		open:     open,
		opts:     opts,
		parse:    ParserFor(opts.Category),
		progress: nopProgress{},
	}
}

func (h *Harvester) WithProgress(p Progress) *Harvester {
	h.progress = p
	return h
}

func (h *Harvester) Options() Options {
	return h.opts
}

// Discover lists the modules of the configured category on a console of its
// own. A listing in memo is reused.
func (h *Harvester) Discover(ctx context.Context, memo *discovery.Memo) (l discovery.Listing, err error) {
	if l, ok := memo.Get(h.opts.Category); ok {
		return l, nil
	}
	session, err := h.open(ctx)
	if err != nil {
		return discovery.Listing{}, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing console: %w", cerr))
		}
	}()
	return discovery.Discover(ctx, session, memo, h.opts.Category)
}

type stats struct {
	failed     atomic.Int64
	duplicates atomic.Int64
}

// Run enriches the named modules. A failing process worker does not stop
// the others, its error is logged and returned joined with the errors of
// other workers. The collector holds the records of all finished modules,
// including those whose options never parsed.
func (h *Harvester) Run(ctx context.Context, names []string) (Summary, *Collector, error) {
	runID := h.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	summary := Summary{
		RunID:    runID,
		Category: h.opts.Category,
		Expected: len(names),
		Started:  time.Now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", summary.RunID))

	collector := NewCollector()
	plan, err := NewPlan(len(names), h.opts.Processes, h.opts.Threads)
	if err != nil {
		return summary, collector, err
	}
	records := discovery.Records(names)

	slog.InfoContext(ctx, "harvest started",
		"category", h.opts.Category,
		"modules", plan.Total,
		"processes", plan.Processes,
		"threads", plan.Threads,
	)
	h.progress.Start(plan)

	var st stats
	err = parallel.ForEach(ctx, plan.Processes, plan.Shards, func(ctx context.Context, proc int, shards []Shard) error {
		if plan.ProcessLen(proc) == 0 {
			return nil
		}
		err := h.process(ctx, proc, shards, records, collector, &st)
		h.progress.ProcessDone(proc, err)
		if err != nil {
			slog.ErrorContext(ctx, "process failed", "process", proc, "error", err)
		}
		return err
	})
	h.progress.Stop()

	summary.Processed = collector.Len()
	summary.Failed = int(st.failed.Load())
	summary.Duplicates = int(st.duplicates.Load())
	summary.Duration = time.Since(summary.Started)
	slog.InfoContext(ctx, "harvest done",
		"processed", summary.Processed,
		"expected", summary.Expected,
		"failed", summary.Failed,
		"duplicates", summary.Duplicates,
		"duration", summary.Duration.String(),
	)
	return summary, collector, err
}

// process owns one console for its whole life. Threads of the process take
// turns on the console.
func (h *Harvester) process(ctx context.Context, proc int, shards []Shard, records []model.ModuleRecord, collector *Collector, st *stats) (err error) {
	ctx = log.ContextAttrs(ctx, slog.Int("process", proc))
	slog.DebugContext(ctx, "process started", "start", shards[0].Start, "end", shards[len(shards)-1].End)

	session, err := h.open(ctx)
	if err != nil {
		return fmt.Errorf("process %d: %w", proc, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("process %d: closing console: %w", proc, cerr))
		}
	}()

	// the first broken thread stops its siblings, they share the console
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var mx sync.Mutex
	err = parallel.ForEach(ctx, len(shards), shards, func(ctx context.Context, _ int, shard Shard) error {
		err := h.thread(ctx, shard, session, &mx, records, collector, st)
		if err != nil {
			cancel(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("process %d: %w", proc, err)
	}
	return nil
}

func (h *Harvester) thread(ctx context.Context, shard Shard, c Console, mx *sync.Mutex, records []model.ModuleRecord, collector *Collector, st *stats) error {
	ctx = log.ContextAttrs(ctx, slog.Int("thread", shard.Thread))
	slog.DebugContext(ctx, "thread started", "start", shard.Start, "end", shard.End)

	done := shard.Start
	defer func() {
		accepted, err := collector.Add(records[shard.Start:done]...)
		if err != nil {
			st.duplicates.Add(int64(done - shard.Start - accepted))
			slog.WarnContext(ctx, "records rejected", "error", err)
		}
	}()

	for i := shard.Start; i < shard.End; i++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		rec := &records[i]
		state, err := h.enrich(ctx, c, mx, rec)
		done = i + 1
		h.progress.Module(shard, rec.Name, state)
		if err == nil {
			continue
		}
		if state == model.StateFailed && IsParseError(err) {
			st.failed.Add(1)
			var perr *extract.ParseError
			_ = errors.As(err, &perr)
			slog.ErrorContext(ctx, "module failed", "module", rec.Name, "error", err, "diagnostic", perr.Diagnostic())
			continue
		}
		return fmt.Errorf("thread %d: %w", shard.Thread, err)
	}
	return nil
}

func (h *Harvester) enrich(ctx context.Context, c Console, mx *sync.Mutex, rec *model.ModuleRecord) (model.ModuleState, error) {
	mx.Lock()
	defer mx.Unlock()
	return Enrich(ctx, c, h.parse, h.opts.Retries, rec)
}

type nopProgress struct{}

func (nopProgress) Start(Plan)                              {}
func (nopProgress) Module(Shard, string, model.ModuleState) {}
func (nopProgress) ProcessDone(int, error)                  {}
func (nopProgress) Stop()                                   {}
