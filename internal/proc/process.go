// Package proc launches child processes with engine-owned standard streams
// and process-group termination.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// reapWait bounds how long Kill waits for the exit after SIGKILL.
const reapWait = 2 * time.Second

// Options controls how the child's streams are wired.
type Options struct {
	Env []string
	// TTYStdout attaches stdout to a pseudo-terminal so that the child's C
	// runtime line-buffers its output. Stdin and stderr stay pipes.
	TTYStdout bool
}

// Process is a running child with pipes for stdin, stdout and stderr.
type Process struct {
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done chan struct{}

	closeOnce sync.Once
	stdinOnce sync.Once
}

// Start launches argv in dir. The child gets its own process group so Kill
// reaches anything it spawns.
func Start(dir string, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var parentEnds, childEnds []*os.File
	fail := func(err error) (*Process, error) {
		closeFiles(parentEnds)
		closeFiles(childEnds)
		return nil, err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, inW), append(childEnds, inR)

	var outR, outW *os.File
	if opts.TTYStdout {
		outR, outW, err = pty.Open()
		if err == nil {
			_ = pty.Setsize(outR, &pty.Winsize{Rows: 40, Cols: 120})
		}
	} else {
		outR, outW, err = os.Pipe()
	}
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}
	parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", argv[0], err))
	}
	// The child holds its own copies now.
	closeFiles(childEnds)

	p := &Process{
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}

	// Monitor process exit
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdin() io.Writer {
	return p.stdin
}

func (p *Process) Stdout() io.Reader {
	return p.stdout
}

func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status, 128+signal for signal deaths, or -1
// while the process is still running.
func (p *Process) ExitCode() int {
	if p.Alive() {
		return -1
	}
	state := p.cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// Kill sends SIGTERM to the process group, waits up to grace for the exit,
// then sends SIGKILL. It returns once the process has been reaped or the
// reap wait has elapsed.
func (p *Process) Kill(grace time.Duration) {
	if !p.Alive() {
		p.KillGroup()
		return
	}
	_ = syscall.Kill(-p.Pid(), syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		p.KillGroup()
		return
	case <-timer.C:
	}

	p.KillGroup()
	reap := time.NewTimer(reapWait)
	defer reap.Stop()
	select {
	case <-p.done:
	case <-reap.C:
	}
}

// KillGroup sends SIGKILL to every remaining member of the process group.
func (p *Process) KillGroup() {
	_ = syscall.Kill(-p.Pid(), syscall.SIGKILL)
}

func (p *Process) CloseStdin() error {
	var err error
	p.stdinOnce.Do(func() {
		err = p.stdin.Close()
	})
	return err
}

// CloseOutput closes the read ends of stdout and stderr, unblocking readers
// still waiting on a descendant that kept the pipe open.
func (p *Process) CloseOutput() {
	p.closeOnce.Do(func() {
		p.stdout.Close()
		p.stderr.Close()
	})
}

// Close releases every parent-side descriptor.
func (p *Process) Close() {
	p.CloseStdin()
	p.CloseOutput()
}

// IsClosedStream reports whether err only signals that a stream ended.
// A pseudo-terminal master returns EIO once the child side is gone.
func IsClosedStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.EPIPE)
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
