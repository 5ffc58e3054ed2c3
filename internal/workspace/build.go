package workspace

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/peterje/coderunner/internal/lang"
)

// CompileError carries the compiler diagnostic of a failed build.
type CompileError struct {
	Diagnostic string
	TimedOut   bool
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return "compilation timed out"
	}
	return "compilation failed"
}

// Build runs the toolchain's compile command inside ws, bounded by timeout.
// A non-zero exit or a timeout yields *CompileError; failing to start the
// compiler at all is returned as a plain error.
func Build(ctx context.Context, ws *Workspace, tc lang.Toolchain, timeout, grace time.Duration) error {
	if !tc.NeedsBuild() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := tc.CompileCommand
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = ws.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = grace

	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &CompileError{
			Diagnostic: fmt.Sprintf("compilation exceeded %s\n%s", timeout, output),
			TimedOut:   true,
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CompileError{Diagnostic: string(output)}
	}
	return fmt.Errorf("run %s: %w", argv[0], err)
}
