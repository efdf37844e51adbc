package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
	"github.com/CZERTAINLY/msfharvest/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	cs := &consoles{}
	reg := service.NewRegistry(cs.open, 10*time.Minute)
	ctx := t.Context()

	_, err := reg.Command(ctx, "alpha", "version")
	require.ErrorIs(t, err, service.ErrNotRunning)

	require.NoError(t, reg.Start(ctx, "alpha"))
	require.ErrorIs(t, reg.Start(ctx, "alpha"), service.ErrAlreadyRunning)
	require.NoError(t, reg.Start(ctx, "beta"))
	require.Equal(t, []string{"alpha", "beta"}, reg.Sources())

	out, err := reg.Command(ctx, "alpha", "version")
	require.NoError(t, err)
	require.Equal(t, "Framework: 6.4.0-dev", out)

	l, err := reg.Modules(ctx, "alpha", model.CategoryExploit)
	require.NoError(t, err)
	require.Equal(t, []string{
		"exploit/windows/smb/ms17_010_eternalblue",
		"exploit/unix/ftp/vsftpd_234_backdoor",
	}, l.Names)
	require.Len(t, l.Entries, 2)
	require.Equal(t, "excellent", l.Entries[1].Rank)

	rec, err := reg.Options(ctx, "beta", model.CategoryExploit, "exploit/windows/smb/ms17_010_eternalblue", 3)
	require.NoError(t, err)
	require.True(t, rec.Enriched())
	require.Len(t, rec.Options, 2)

	require.NoError(t, reg.Stop(ctx, "alpha"))
	require.ErrorIs(t, reg.Stop(ctx, "alpha"), service.ErrNotRunning)
	require.Equal(t, []string{"beta"}, reg.Sources())

	require.NoError(t, reg.Close(ctx))
	require.Empty(t, reg.Sources())
	require.True(t, cs.allClosed())
}

func TestRegistry_StartFails(t *testing.T) {
	t.Parallel()
	boom := errors.New("no msfconsole")
	cs := &consoles{openErr: boom}
	reg := service.NewRegistry(cs.open, time.Minute)

	require.ErrorIs(t, reg.Start(t.Context(), "alpha"), boom)
	require.Empty(t, reg.Sources())
}

func TestRegistry_Serialized(t *testing.T) {
	t.Parallel()
	cs := &consoles{}
	reg := service.NewRegistry(cs.open, time.Minute)
	require.NoError(t, reg.Start(t.Context(), "alpha"))
	t.Cleanup(func() { _ = reg.Close(t.Context()) })

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_, err := reg.Options(t.Context(), "alpha", model.CategoryExploit, "exploit/a", 1)
			require.NoError(t, err)
		})
	}
	wg.Wait()

	// use, show options and back of one module are never interleaved
	calls := cs.opened[0].calls
	require.Len(t, calls, 30)
	for i := 0; i < len(calls); i += 3 {
		require.Equal(t, []string{"use exploit/a", "show options", "back"}, calls[i:i+3])
	}
}

func TestRegistry_Reap(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		cs := &consoles{}
		reg := service.NewRegistry(cs.open, 10*time.Minute)
		ctx := t.Context()

		require.NoError(t, reg.Start(ctx, "idle"))
		require.NoError(t, reg.Start(ctx, "busy"))

		time.Sleep(6 * time.Minute)
		_, err := reg.Command(ctx, "busy", "version")
		require.NoError(t, err)
		require.Empty(t, reg.Reap(ctx))

		time.Sleep(5 * time.Minute)
		require.Equal(t, []string{"idle"}, reg.Reap(ctx))
		require.Equal(t, []string{"busy"}, reg.Sources())

		_, err = reg.Command(ctx, "idle", "version")
		require.ErrorIs(t, err, service.ErrNotRunning)

		time.Sleep(10 * time.Minute)
		require.Equal(t, []string{"busy"}, reg.Reap(ctx))
		require.True(t, cs.allClosed())
	})
}

func TestRegistry_Reaper(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		cs := &consoles{}
		reg := service.NewRegistry(cs.open, 2*time.Minute)
		require.NoError(t, reg.Start(t.Context(), "alpha"))

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan struct{})
		go func() {
			reg.Reaper(ctx, time.Minute)
			close(done)
		}()

		time.Sleep(3*time.Minute + time.Second)
		synctest.Wait()
		require.Empty(t, reg.Sources())

		cancel()
		<-done
	})
}

func TestRegistry_RestartWhileOpening(t *testing.T) {
	t.Parallel()
	cs := &consoles{}
	entered := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("slow console died")
	var first sync.Once
	open := func(ctx context.Context) (harvest.Session, error) {
		blocked := false
		first.Do(func() { blocked = true })
		if blocked {
			close(entered)
			<-release
			return nil, boom
		}
		return cs.open(ctx)
	}
	reg := service.NewRegistry(open, time.Minute)
	ctx := t.Context()

	startErr := make(chan error, 1)
	go func() { startErr <- reg.Start(ctx, "alpha") }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- reg.Stop(ctx, "alpha") }()
	require.Eventually(t, func() bool {
		return len(reg.Sources()) == 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, reg.Start(ctx, "alpha"))
	close(release)
	require.ErrorIs(t, <-startErr, boom)
	require.NoError(t, <-stopErr)

	// the console of the second start is still known and gets closed
	require.Equal(t, []string{"alpha"}, reg.Sources())
	require.NoError(t, reg.Close(ctx))
	require.Len(t, cs.opened, 1)
	require.True(t, cs.allClosed())
}
