// Package protocol turns the free running console streams into
// request/response pairs.
//
// The console has no end-of-output marker. After every command a probe
// command with a known error message is sent. The probe error arrives on
// stderr, and once it is seen all output of the real command is assumed to be
// collected.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/msfharvest/internal/console"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// Probe is a command whose stderr output contains Signature.
//
// The protocol assumes the console handles commands in order and flushes the
// output of a command before it runs the probe. A console which answers the
// probe early makes RunCommand return truncated output.
type Probe struct {
	Command   string
	Signature string
}

var DefaultProbe = Probe{Command: "ping", Signature: "ping: usage error:"}

type Config struct {
	Probe Probe
	// Settle is a pause between the command and the probe
	Settle time.Duration
	// StartupDelay is a pause between the banner and the first probe
	StartupDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Probe:        DefaultProbe,
		Settle:       10 * time.Millisecond,
		StartupDelay: time.Second,
	}
}

// NewConfig converts the console section of the configuration.
func NewConfig(c model.Console) Config {
	return Config{
		Probe: Probe{
			Command:   c.Probe.Command,
			Signature: c.Probe.Signature,
		},
		Settle:       c.SettleDuration(),
		StartupDelay: c.StartupDuration(),
	}
}

// Session is the transport the protocol runs on. It is implemented by
// *console.Session.
type Session interface {
	Write(line string) error
	Read(ctx context.Context) (console.Batch, error)
	ReadStdout(ctx context.Context) (string, error)
	Clear()
}

// Console runs commands one at a time. It is not safe for concurrent use.
type Console struct {
	session Session
	closer  io.Closer
	cfg     Config
	output  []string
}

func New(session Session, cfg Config) *Console {
	return &Console{
		session: session,
		cfg:     cfg,
	}
}

// Start opens a new console session and waits until it is ready. The
// returned Console owns the session and must be closed.
func Start(ctx context.Context, cmd console.Command, cfg Config) (*Console, error) {
	session, err := console.Open(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c := New(session, cfg)
	c.closer = session
	if err := c.WaitReady(ctx); err != nil {
		return nil, errors.Join(err, session.Close())
	}
	return c, nil
}

// Close closes the session if the Console owns it.
func (c *Console) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// RunCommand sends cmd followed by the probe and collects stdout until the
// probe error arrives. The result is the stdout batches, each followed by a
// space, joined by newlines.
func (c *Console) RunCommand(ctx context.Context, cmd string) (string, error) {
	c.Clear()
	if err := c.session.Write(cmd); err != nil {
		return "", err
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return "", err
	}
	if err := c.session.Write(c.cfg.Probe.Command); err != nil {
		return "", err
	}
	if err := c.collect(ctx); err != nil {
		return "", fmt.Errorf("running %q: %w", cmd, err)
	}
	out := strings.Join(c.output, "\n")
	slog.DebugContext(ctx, "command done", "cmd", cmd, "batches", len(c.output), "bytes", len(out))
	return out, nil
}

func (c *Console) collect(ctx context.Context) error {
	for {
		b, err := c.session.Read(ctx)
		if err != nil {
			return err
		}
		if b.Stdout != "" {
			c.output = append(c.output, b.Stdout+" ")
		}
		if strings.Contains(b.Stderr, c.cfg.Probe.Signature) {
			break
		}
	}
	// lines written before the probe may still be on their way through the
	// stdout reader
	for {
		tail, err := c.readQuiet(ctx)
		if err != nil {
			return err
		}
		if tail == "" {
			return nil
		}
		c.output = append(c.output, tail+" ")
	}
}

// readQuiet reads stdout until it stays silent for the settle delay.
func (c *Console) readQuiet(ctx context.Context) (string, error) {
	quiet := max(c.cfg.Settle, time.Millisecond)
	rctx, cancel := context.WithTimeout(ctx, quiet)
	defer cancel()
	out, err := c.session.ReadStdout(rctx)
	switch {
	case err == nil:
		return out, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		// silent or closed stdout, the probe answer is already in
		return "", nil
	}
}

// WaitReady waits for the banner, lets the console finish its startup and
// then runs the probe, so the banner does not end up in a command output.
func (c *Console) WaitReady(ctx context.Context) error {
	banner, err := c.session.Read(ctx)
	if err != nil {
		return fmt.Errorf("waiting for banner: %w", err)
	}
	slog.DebugContext(ctx, "console banner", "stdout", banner.Stdout, "stderr", banner.Stderr)
	if err := sleep(ctx, c.cfg.StartupDelay); err != nil {
		return err
	}
	if err := c.session.Write(c.cfg.Probe.Command); err != nil {
		return err
	}
	if err := c.collect(ctx); err != nil {
		return fmt.Errorf("waiting for console: %w", err)
	}
	c.Clear()
	return nil
}

// Output returns the stdout batches of the last command.
func (c *Console) Output() []string {
	return c.output
}

// Clear drops the queued console output and the output of the last command.
func (c *Console) Clear() {
	c.session.Clear()
	c.output = nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
