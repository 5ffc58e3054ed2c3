package proc

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func waitDone(t *testing.T, p *Process, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatalf("process did not exit within %s", timeout)
	}
}

// TestStartPipesStdinToStdout verifies input written to the child reaches
// its stdout and the exit is observed.
func TestStartPipesStdinToStdout(t *testing.T) {
	p, err := Start(t.TempDir(), []string{"cat"}, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	if _, err := io.WriteString(p.Stdin(), "hello\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := p.CloseStdin(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}

	out, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "hello\n" {
		t.Fatalf("stdout = %q, want %q", out, "hello\n")
	}
	waitDone(t, p, 5*time.Second)
	if code := p.ExitCode(); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestExitCodeAndStderr(t *testing.T) {
	p, err := Start(t.TempDir(), []string{"sh", "-c", "echo boom >&2; exit 3"}, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()
	p.CloseStdin()

	var stderr bytes.Buffer
	if _, err := io.Copy(&stderr, p.Stderr()); err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	waitDone(t, p, 5*time.Second)
	if code := p.ExitCode(); code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if strings.TrimSpace(stderr.String()) != "boom" {
		t.Fatalf("stderr = %q, want boom", stderr.String())
	}
}

// TestKillTerminatesProcessGroup verifies Kill reaches a child that ignores
// SIGTERM and that a grandchild holding stdout does not keep it open.
func TestKillTerminatesProcessGroup(t *testing.T) {
	p, err := Start(t.TempDir(), []string{"sh", "-c", "trap '' TERM; echo ready; sleep 30 & wait"}, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	// Kill only once the trap is installed, so SIGTERM is really ignored.
	stdout := bufio.NewReader(p.Stdout())
	ready := make(chan string, 1)
	go func() {
		line, _ := stdout.ReadString('\n')
		ready <- line
	}()
	select {
	case line := <-ready:
		if line != "ready\n" {
			t.Fatalf("first line = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shell never reported ready")
	}

	start := time.Now()
	p.Kill(100 * time.Millisecond)
	waitDone(t, p, 3*time.Second)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("Kill took %s, want the grace period before SIGKILL", elapsed)
	}
	if code := p.ExitCode(); code != 128+9 {
		t.Fatalf("exit code = %d, want 137", code)
	}

	read := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stdout)
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(3 * time.Second):
		t.Fatal("stdout stayed open after the group was killed")
	}
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(t.TempDir(), []string{"definitely-not-a-real-binary-xyz"}, Options{})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestCloseOutputUnblocksReader(t *testing.T) {
	p, err := Start(t.TempDir(), []string{"sleep", "30"}, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Kill(0)

	read := make(chan error, 1)
	go func() {
		_, err := p.Stdout().Read(make([]byte, 16))
		read <- err
	}()
	time.Sleep(50 * time.Millisecond)
	p.CloseOutput()

	select {
	case err := <-read:
		if !IsClosedStream(err) {
			t.Fatalf("read err = %v, want closed stream", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("CloseOutput did not unblock the reader")
	}
}

func TestTTYStdout(t *testing.T) {
	p, err := Start(t.TempDir(), []string{"sh", "-c", "test -t 1 && echo tty"}, Options{TTYStdout: true})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer p.Close()
	p.CloseStdin()

	var out bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := p.Stdout().Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	waitDone(t, p, 5*time.Second)
	if !strings.Contains(out.String(), "tty") {
		t.Fatalf("stdout = %q, want tty marker", out.String())
	}
}
