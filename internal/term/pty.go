package term

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrClosed is returned by every Pty operation after Close.
var ErrClosed = errors.New("pty is closed")

// SpawnError reports a failure to start the child process.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("pty spawn failed: %v", e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ChildExitedError is returned by ReadNonblocking once the child process has
// exited and the PTY has drained. Code is nil when the exit status is
// unknown (e.g. killed by signal).
type ChildExitedError struct {
	Code *int
}

func (e *ChildExitedError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("child exited with code %d", *e.Code)
	}
	return "child exited"
}

// SpawnSpec describes the child process for a PTY.
type SpawnSpec struct {
	// Shell is the binary to run. Empty means $SHELL, falling back to /bin/sh.
	Shell string
	Args  []string
	Cols  uint16
	Rows  uint16
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env entries are appended to the current environment.
	Env []string
}

// Pty owns one pseudo-terminal and its child process.
//
// Reads are non-blocking: ReadNonblocking returns zero bytes rather than
// suspending when no output is pending, so a render pump can poll it from
// its tick loop.
type Pty struct {
	mu     sync.Mutex
	f      *os.File
	cmd    *exec.Cmd
	closed bool

	waitOnce sync.Once
	done     chan struct{}
	exitCode *int
}

// Spawn starts the child in a fresh PTY of the given dimensions.
func Spawn(spec SpawnSpec) (*Pty, error) {
	shell := spec.Shell
	if shell == "" {
		shell = defaultShell()
	}

	cmd := exec.Command(shell, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	ws := &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, &SpawnError{Err: err}
	}

	p := &Pty{f: f, cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func defaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// wait reaps the child exactly once and records its exit code.
func (p *Pty) wait() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.mu.Lock()
		if code >= 0 {
			p.exitCode = &code
		}
		p.mu.Unlock()
		close(p.done)
	})
}

// Write sends input bytes to the child. The write is applied in full or
// fails; there is no partial-write return.
func (p *Pty) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for len(data) > 0 {
		n, err := p.f.Write(data)
		if err != nil {
			return fmt.Errorf("pty write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadNonblocking reads whatever output is pending into buf. It returns
// (0, nil) when the PTY has no data, and a *ChildExitedError once the child
// has exited and the stream is drained.
//
// The master fd is registered with the runtime poller, so a plain Read
// would park until data arrives; a read deadline one millisecond ahead turns
// it into a short poll. (A deadline that has already expired makes Read fail
// before it attempts the read, so pending data would never be returned.)
func (p *Pty) ReadNonblocking(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	_ = p.f.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := p.f.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EAGAIN) {
		return 0, nil
	}
	// EOF or EIO from the master side means the slave closed: the child is
	// gone. Report the exit status if the reaper has it.
	return 0, &ChildExitedError{Code: p.exitStatusLocked()}
}

func (p *Pty) exitStatusLocked() *int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return nil
	}
}

// ExitStatus returns (code, true) once the child has been reaped. The code
// pointer is nil when the child died without a usable status.
func (p *Pty) ExitStatus() (*int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return nil, false
	}
}

// Resize changes the PTY dimensions.
func (p *Pty) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := pty.Setsize(p.f, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Close releases the PTY and kills the child if it is still running.
// Close is idempotent; all operations after the first Close fail with
// ErrClosed.
func (p *Pty) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	f := p.f
	proc := p.cmd.Process
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	return f.Close()
}
