package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/msfharvest/internal/discovery"
	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

var (
	ErrNotRunning     = errors.New("console is not running")
	ErrAlreadyRunning = errors.New("console is already running")
	ErrNotFound       = errors.New("not found")
)

// session is a console of one source. Commands of the source are
// serialized by mx.
type session struct {
	mx       sync.Mutex
	console  harvest.Session
	memo     discovery.Memo
	lastUsed time.Time
}

// Registry keeps one console per named source. Consoles unused for longer
// than the idle timeout are stopped by Reap.
type Registry struct {
	open     harvest.Opener
	idle     time.Duration
	mx       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(open harvest.Opener, idle time.Duration) *Registry {
	return &Registry{
		open:     open,
		idle:     idle,
		sessions: make(map[string]*session),
	}
}

// Start opens a console for source. Opening is done without the registry
// lock, it takes seconds.
func (r *Registry) Start(ctx context.Context, source string) error {
	r.mx.Lock()
	if _, ok := r.sessions[source]; ok {
		r.mx.Unlock()
		return fmt.Errorf("%s: %w", source, ErrAlreadyRunning)
	}
	s := &session{lastUsed: time.Now()}
	s.mx.Lock()
	r.sessions[source] = s
	r.mx.Unlock()

	c, err := r.open(ctx)
	if err != nil {
		r.mx.Lock()
		// the source may have been stopped and started again meanwhile
		if r.sessions[source] == s {
			delete(r.sessions, source)
		}
		r.mx.Unlock()
		s.mx.Unlock()
		return fmt.Errorf("%s: %w", source, err)
	}
	s.console = c
	s.mx.Unlock()
	slog.InfoContext(ctx, "console started", "source", source)
	return nil
}

// Command runs cmd on the console of source.
func (r *Registry) Command(ctx context.Context, source, cmd string) (string, error) {
	var out string
	err := r.with(source, func(s *session) error {
		var err error
		out, err = s.console.RunCommand(ctx, cmd)
		return err
	})
	return out, err
}

// Modules lists the modules of category on the console of source. The listing
// is remembered for the life of the console.
func (r *Registry) Modules(ctx context.Context, source, category string) (discovery.Listing, error) {
	var l discovery.Listing
	err := r.with(source, func(s *session) error {
		var err error
		l, err = discovery.Discover(ctx, s.console, &s.memo, category)
		return err
	})
	return l, err
}

// Options enriches one module on the console of source.
func (r *Registry) Options(ctx context.Context, source, category, name string, retries int) (model.ModuleRecord, error) {
	rec := model.ModuleRecord{Name: name}
	err := r.with(source, func(s *session) error {
		_, err := harvest.Enrich(ctx, s.console, harvest.ParserFor(category), retries, &rec)
		return err
	})
	return rec, err
}

func (r *Registry) with(source string, fn func(*session) error) error {
	r.mx.Lock()
	s, ok := r.sessions[source]
	r.mx.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", source, ErrNotRunning)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.console == nil {
		// stopped while waiting for the lock
		return fmt.Errorf("%s: %w", source, ErrNotRunning)
	}
	defer func() {
		s.lastUsed = time.Now()
	}()
	return fn(s)
}

// Stop closes the console of source.
func (r *Registry) Stop(ctx context.Context, source string) error {
	r.mx.Lock()
	s, ok := r.sessions[source]
	if ok {
		delete(r.sessions, source)
	}
	r.mx.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", source, ErrNotRunning)
	}
	return r.close(ctx, source, s)
}

func (r *Registry) close(ctx context.Context, source string, s *session) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.console == nil {
		return nil
	}
	err := s.console.Close()
	s.console = nil
	slog.InfoContext(ctx, "console stopped", "source", source, "error", err)
	return err
}

// Sources returns the names of running consoles.
func (r *Registry) Sources() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]string, 0, len(r.sessions))
	for source := range r.sessions {
		ret = append(ret, source)
	}
	slices.Sort(ret)
	return ret
}

// Reap stops consoles which were not used for the idle timeout. Consoles
// running a command are never reaped.
func (r *Registry) Reap(ctx context.Context) []string {
	now := time.Now()
	idle := make(map[string]*session)

	r.mx.Lock()
	for source, s := range r.sessions {
		if !s.mx.TryLock() {
			continue
		}
		if s.console != nil && now.Sub(s.lastUsed) >= r.idle {
			idle[source] = s
			delete(r.sessions, source)
		}
		s.mx.Unlock()
	}
	r.mx.Unlock()

	reaped := make([]string, 0, len(idle))
	for source, s := range idle {
		slog.InfoContext(ctx, "console idle: stopping", "source", source, "idle_timeout", r.idle.String())
		if err := r.close(ctx, source, s); err != nil {
			slog.WarnContext(ctx, "closing idle console failed", "source", source, "error", err)
		}
		reaped = append(reaped, source)
	}
	slices.Sort(reaped)
	return reaped
}

// Reaper calls Reap every interval until ctx is done.
func (r *Registry) Reaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Close stops all consoles.
func (r *Registry) Close(ctx context.Context) error {
	r.mx.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mx.Unlock()

	var errs []error
	for source, s := range sessions {
		if err := r.close(ctx, source, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source, err))
		}
	}
	return errors.Join(errs...)
}
