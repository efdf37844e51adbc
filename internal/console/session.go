package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
)

var (
	ErrSpawn  = errors.New("spawning console")
	ErrClosed = errors.New("console closed")
)

// lineBuffer is the capacity of the stdout and stderr channels. The biggest
// listing printed by the console has a few thousands lines, so readers never
// block on a consumer which is busy with the other stream.
const lineBuffer = 1 << 16

// maxLine is the longest line the readers accept
const maxLine = 1024 * 1024

type Command struct {
	Path string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Batch is the content of both streams which arrived since the last read.
type Batch struct {
	Stdout string
	Stderr string
}

// Session owns one console process. Lines written by the process are
// stripped of terminal escape sequences and queued per stream until read.
//
// Reads block until at least one line arrives and then return every line
// which is already queued, joined by "\n". There is no read timeout: a silent
// process blocks the reader until ctx is done.
type Session struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMx sync.Mutex

	outR, errR *os.File
	stdout     chan string
	stderr     chan string
	readers    sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open spawns the console with all three standard streams piped. An error
// wraps ErrSpawn and means the console can't be used at all.
func Open(ctx context.Context, proto Command) (*Session, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin: %w", ErrSpawn, err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %w", ErrSpawn, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("%w: stderr: %w", ErrSpawn, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	// the child owns the write ends now
	closeAll(outW, errW)

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		outR:   outR,
		errR:   errR,
		stdout: make(chan string, lineBuffer),
		stderr: make(chan string, lineBuffer),
	}
	s.readers.Add(2)
	go s.pump(ctx, "stdout", outR, s.stdout)
	go s.pump(ctx, "stderr", errR, s.stderr)

	slog.DebugContext(ctx, "console started", "cmd", proto.String(), "pid", cmd.Process.Pid)
	return s, nil
}

func (s *Session) pump(ctx context.Context, name string, r io.Reader, ch chan<- string) {
	defer s.readers.Done()
	defer close(ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		ch <- strip(scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading console output", "stream", name, "error", err)
	}
}

// strip removes escape sequences from each carriage return separated
// fragment of a line. The carriage returns are kept. Sequences spanning two
// fragments are not recognized.
func strip(line string) string {
	if !strings.Contains(line, "\r") {
		return stripansi.Strip(line)
	}
	fragments := strings.Split(line, "\r")
	for i, f := range fragments {
		fragments[i] = stripansi.Strip(f)
	}
	return strings.Join(fragments, "\r")
}

// Pid of the console process
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Write sends line followed by a newline to the console stdin.
func (s *Session) Write(line string) error {
	s.stdinMx.Lock()
	defer s.stdinMx.Unlock()
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("%w: writing %q: %w", ErrClosed, line, err)
	}
	return nil
}

// ReadStdout blocks until a stdout line arrives and returns it together with
// all other queued stdout lines.
func (s *Session) ReadStdout(ctx context.Context) (string, error) {
	return read(ctx, s.stdout)
}

// ReadStderr is ReadStdout for the stderr stream.
func (s *Session) ReadStderr(ctx context.Context) (string, error) {
	return read(ctx, s.stderr)
}

// Read blocks until a line arrives on any of the streams and returns the
// queued content of both of them.
func (s *Session) Read(ctx context.Context) (Batch, error) {
	stdout, stderr := (<-chan string)(s.stdout), (<-chan string)(s.stderr)
	for stdout != nil || stderr != nil {
		var b Batch
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			b.Stdout = join(drain(stdout, []string{line}))
			b.Stderr = join(drain(stderr, nil))
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			b.Stderr = join(drain(stderr, []string{line}))
			b.Stdout = join(drain(stdout, nil))
		}
		return b, nil
	}
	return Batch{}, ErrClosed
}

// Drain returns the queued stdout lines without waiting for new ones.
func (s *Session) Drain() string {
	return join(drain(s.stdout, nil))
}

// Buffered returns the number of queued stdout lines.
func (s *Session) Buffered() int {
	return len(s.stdout)
}

// Clear discards everything queued on both streams.
func (s *Session) Clear() {
	drain(s.stdout, nil)
	drain(s.stderr, nil)
}

// Close kills the console and waits for the readers. It is safe to call
// Close more than once, all calls return the same error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.closeErr = fmt.Errorf("killing console pid %d: %w", s.cmd.Process.Pid, err)
		}
		// exit error is expected after a kill
		_ = s.cmd.Wait()
		// children of the console may still hold the write ends
		closeAll(s.outR, s.errR)
		s.readers.Wait()
	})
	return s.closeErr
}

func read(ctx context.Context, ch <-chan string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-ch:
		if !ok {
			return "", ErrClosed
		}
		return join(drain(ch, []string{line})), nil
	}
}

func drain(ch <-chan string, lines []string) []string {
	if ch == nil {
		return lines
	}
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

func join(lines []string) string {
	return strings.Join(lines, "\n")
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
