package harvest_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/msfharvest/internal/discovery"
	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/stretchr/testify/require"
)

const optionsTmpl = `
Module options (%s):

   Name   Current Setting  Required  Description
   ----   ---------------  --------  -----------
   RPORT  42               yes       The target port (TCP)


Exploit target:

   Id  Name
   --  ----
   0   Automatic



`

var errConsoleDied = errors.New("console died")

// fakeConsole answers like a console which knows every module, except the
// broken ones whose options never parse and the deadly ones which kill it.
type fakeConsole struct {
	broken  map[string]bool
	deadly  map[string]bool
	current string
	dead    bool
	calls   []string
	closed  *atomic.Int32
	panicOn string
}

func (f *fakeConsole) RunCommand(_ context.Context, cmd string) (string, error) {
	if f.dead {
		return "", errConsoleDied
	}
	f.calls = append(f.calls, cmd)
	switch {
	case strings.HasPrefix(cmd, "use "):
		f.current = strings.TrimPrefix(cmd, "use ")
		if f.current == f.panicOn {
			panic("console exploded")
		}
		return "", nil
	case cmd == "show options":
		if f.deadly[f.current] {
			f.dead = true
			return "", errConsoleDied
		}
		if f.broken[f.current] {
			return "Module options (" + f.current + "):\n", nil
		}
		return fmt.Sprintf(optionsTmpl, f.current), nil
	case cmd == "back":
		f.current = ""
		return "", nil
	case cmd == "show exploits":
		return "exploit/a exploit/b exploit/a", nil
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func (f *fakeConsole) Clear() {}

func (f *fakeConsole) Close() error {
	if f.closed != nil {
		f.closed.Add(1)
	}
	return nil
}

type consoles struct {
	mx      sync.Mutex
	opened  atomic.Int32
	closed  atomic.Int32
	broken  map[string]bool
	deadly  map[string]bool
	panicOn string
	failErr error
}

func (c *consoles) open(_ context.Context) (harvest.Session, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.failErr != nil {
		return nil, c.failErr
	}
	c.opened.Add(1)
	return &fakeConsole{
		broken:  c.broken,
		deadly:  c.deadly,
		closed:  &c.closed,
		panicOn: c.panicOn,
	}, nil
}

func names(n int) []string {
	ret := make([]string, n)
	for i := range n {
		ret[i] = fmt.Sprintf("exploit/test/m%03d", i)
	}
	return ret
}

func TestEnrich(t *testing.T) {
	t.Parallel()
	c := &fakeConsole{}
	rec := model.ModuleRecord{Name: "exploit/test/ok"}

	state, err := harvest.Enrich(t.Context(), c, harvest.ParserFor(model.CategoryExploit), 5, &rec)
	require.NoError(t, err)
	require.Equal(t, model.StateDeselected, state)
	require.True(t, rec.Enriched())
	require.Equal(t, []string{"0", "Automatic"}, rec.Target)
	require.Len(t, rec.Options, 1)
	require.Equal(t, []string{"use exploit/test/ok", "show options", "back"}, c.calls)
}

func TestEnrich_Retries(t *testing.T) {
	t.Parallel()
	c := &fakeConsole{broken: map[string]bool{"exploit/test/bad": true}}
	rec := model.ModuleRecord{Name: "exploit/test/bad"}

	state, err := harvest.Enrich(t.Context(), c, harvest.ParserFor(model.CategoryExploit), 5, &rec)
	require.Error(t, err)
	require.True(t, harvest.IsParseError(err))
	require.Equal(t, model.StateFailed, state)
	require.Equal(t, model.ModuleRecord{Name: "exploit/test/bad"}, rec)

	options := 0
	for _, call := range c.calls {
		if call == "show options" {
			options++
		}
	}
	require.Equal(t, 5, options)
	require.Equal(t, "use exploit/test/bad", c.calls[0])
	require.Equal(t, "back", c.calls[len(c.calls)-1])
}

func TestEnrich_ConsoleError(t *testing.T) {
	t.Parallel()
	c := &fakeConsole{deadly: map[string]bool{"exploit/test/deadly": true}}
	rec := model.ModuleRecord{Name: "exploit/test/deadly"}

	state, err := harvest.Enrich(t.Context(), c, harvest.ParserFor(model.CategoryExploit), 5, &rec)
	require.ErrorIs(t, err, errConsoleDied)
	require.False(t, harvest.IsParseError(err))
	require.Equal(t, model.StateOptionsRequested, state)
}

func TestRun(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		modules  int
		procs    int
		threads  int
	}{
		{"one by one", 7, 1, 1},
		{"remainder", 23, 3, 2},
		{"more workers than modules", 3, 4, 3},
		{"no modules", 0, 2, 2},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cs := &consoles{}
			h := harvest.New(cs.open, harvest.Options{
				Category:  model.CategoryExploit,
				Processes: tt.procs,
				Threads:   tt.threads,
				Retries:   5,
			})
			summary, collector, err := h.Run(t.Context(), names(tt.modules))
			require.NoError(t, err)
			require.Equal(t, tt.modules, summary.Expected)
			require.Equal(t, tt.modules, summary.Processed)
			require.Zero(t, summary.Failed)
			require.NotEmpty(t, summary.RunID)
			require.Equal(t, cs.opened.Load(), cs.closed.Load())
			require.LessOrEqual(t, int(cs.opened.Load()), tt.procs)

			for _, name := range names(tt.modules) {
				rec, ok := collector.Get(name)
				require.True(t, ok, name)
				require.True(t, rec.Enriched(), name)
			}
		})
	}
}

func TestRun_FailedModule(t *testing.T) {
	t.Parallel()
	mods := names(6)
	cs := &consoles{broken: map[string]bool{mods[2]: true}}
	h := harvest.New(cs.open, harvest.Options{Processes: 2, Threads: 1, Retries: 5})

	summary, collector, err := h.Run(t.Context(), mods)
	require.NoError(t, err)
	require.Equal(t, 6, summary.Processed)
	require.Equal(t, 1, summary.Failed)

	rec, ok := collector.Get(mods[2])
	require.True(t, ok)
	require.Equal(t, model.ModuleRecord{Name: mods[2]}, rec)
	require.False(t, rec.Enriched())
}

func TestRun_Duplicates(t *testing.T) {
	t.Parallel()
	cs := &consoles{}
	h := harvest.New(cs.open, harvest.Options{Processes: 1, Threads: 2, Retries: 1})
	mods := []string{"exploit/windows/smb/ms17_010_eternalblue", "exploit/a", "exploit/windows/smb/ms17_010_eternalblue"}

	summary, collector, err := h.Run(t.Context(), mods)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Expected)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Duplicates)
	require.Len(t, collector.Records(), 2)
}

func TestRun_DeadConsole(t *testing.T) {
	t.Parallel()
	mods := names(8)
	// process 0 handles mods[0:4], its console dies at the second module
	cs := &consoles{deadly: map[string]bool{mods[1]: true}}
	h := harvest.New(cs.open, harvest.Options{Processes: 2, Threads: 2, Retries: 5})

	summary, collector, err := h.Run(t.Context(), mods)
	require.Error(t, err)
	require.ErrorIs(t, err, errConsoleDied)
	require.Equal(t, cs.opened.Load(), cs.closed.Load())

	// the other process is not affected
	for _, name := range mods[4:] {
		rec, ok := collector.Get(name)
		require.True(t, ok, name)
		require.True(t, rec.Enriched(), name)
	}
	// the module which killed the console is kept by its name
	rec, ok := collector.Get(mods[1])
	require.True(t, ok)
	require.False(t, rec.Enriched())
	require.GreaterOrEqual(t, summary.Processed, 6)
}

func TestRun_Panic(t *testing.T) {
	t.Parallel()
	mods := names(4)
	cs := &consoles{panicOn: mods[0]}
	h := harvest.New(cs.open, harvest.Options{Processes: 2, Threads: 1, Retries: 1})

	summary, collector, err := h.Run(t.Context(), mods)
	require.Error(t, err)
	require.ErrorContains(t, err, "console exploded")
	require.Equal(t, cs.opened.Load(), cs.closed.Load())
	require.Equal(t, 2, summary.Processed)
	_, ok := collector.Get(mods[3])
	require.True(t, ok)
}

func TestRun_OpenFails(t *testing.T) {
	t.Parallel()
	boom := errors.New("no console")
	cs := &consoles{failErr: boom}
	h := harvest.New(cs.open, harvest.Options{Processes: 2, Threads: 1})

	summary, _, err := h.Run(t.Context(), names(4))
	require.ErrorIs(t, err, boom)
	require.Zero(t, summary.Processed)
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	cs := &consoles{}
	h := harvest.New(cs.open, harvest.Options{Processes: 1})
	var memo discovery.Memo

	l, err := h.Discover(t.Context(), &memo)
	require.NoError(t, err)
	require.Equal(t, []string{"exploit/a", "exploit/b", "exploit/a"}, l.Names)
	require.Equal(t, int32(1), cs.opened.Load())
	require.Equal(t, int32(1), cs.closed.Load())

	_, err = h.Discover(t.Context(), &memo)
	require.NoError(t, err)
	require.Equal(t, int32(1), cs.opened.Load())
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	h := harvest.New(nil, harvest.Options{})
	opts := h.Options()
	require.Equal(t, model.CategoryExploit, opts.Category)
	require.Positive(t, opts.Processes)
	require.Equal(t, 1, opts.Threads)
	require.Equal(t, 1, opts.Retries)
}
