package runner

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/workspace"
	"github.com/rs/zerolog"
)

type memJournal struct {
	mu   sync.Mutex
	runs []models.Run
}

func (j *memJournal) RecordRun(_ context.Context, run models.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}

func newTestRunner(t *testing.T, opts Options) (*Runner, *workspace.Manager) {
	t.Helper()
	langs := lang.NewRegistry()
	langs.Register(lang.Language{
		ID: "sh",
		Toolchain: lang.Toolchain{
			Name:       "Shell",
			SourceFile: "script.sh",
			RunCommand: []string{"sh", "script.sh"},
		},
	})
	langs.Register(lang.Language{
		ID: "broken",
		Toolchain: lang.Toolchain{
			Name:           "Broken",
			SourceFile:     "main.x",
			CompileCommand: []string{"sh", "-c", "echo 'main.x:3: error: missing brace' >&2; exit 1"},
			RunCommand:     []string{"sh", "main.x"},
		},
	})
	workspaces := workspace.NewManager(t.TempDir())
	logger := zerolog.Nop()
	return New(langs, workspaces, opts, &logger), workspaces
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RunTimeout = 2 * time.Second
	opts.KillGrace = 100 * time.Millisecond
	opts.DrainTimeout = 300 * time.Millisecond
	return opts
}

func assertNoWorkspaces(t *testing.T, m *workspace.Manager) {
	t.Helper()
	entries, err := os.ReadDir(m.Root())
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspaces left behind: %d", len(entries))
	}
}

func TestRunEchoesInput(t *testing.T) {
	r, workspaces := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "cat\n", Language: "sh", Input: "hi\n"})

	if res.Outcome != OutcomeSuccess || res.Output != "hi\n" {
		t.Fatalf("result = %+v", res)
	}
	if res.String() != "hi\n" {
		t.Fatalf("String() = %q", res.String())
	}
	assertNoWorkspaces(t, workspaces)
}

func TestRunWithoutOutput(t *testing.T) {
	r, _ := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "true\n", Language: "sh"})

	if res.Outcome != OutcomeSuccess || res.Output != NoOutput {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunRuntimeError(t *testing.T) {
	r, workspaces := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "echo partial\necho 'division by zero' >&2\nexit 1\n", Language: "sh"})

	if res.Outcome != OutcomeRuntimeError {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.String() != "Runtime Error:\ndivision by zero\n" {
		t.Fatalf("String() = %q", res.String())
	}
	assertNoWorkspaces(t, workspaces)
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	opts := fastOptions()
	opts.RunTimeout = 300 * time.Millisecond
	r, workspaces := newTestRunner(t, opts)

	start := time.Now()
	res := r.Run(context.Background(), Request{Code: "echo before\nwhile :; do :; done\n", Language: "sh"})
	elapsed := time.Since(start)

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Output != "before\n" {
		t.Fatalf("partial output = %q", res.Output)
	}
	if !strings.HasPrefix(res.String(), "Execution Timeout: Shell code took too long to run.\nOutput so far:\n") {
		t.Fatalf("String() = %q", res.String())
	}
	if elapsed > 3*time.Second {
		t.Fatalf("timed-out run took %s", elapsed)
	}
	assertNoWorkspaces(t, workspaces)
}

func TestRunCompileError(t *testing.T) {
	r, workspaces := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "int main( {", Language: "broken"})

	if res.Outcome != OutcomeCompileError {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !strings.HasPrefix(res.String(), "Compilation Error:\n") || !strings.Contains(res.Output, "missing brace") {
		t.Fatalf("String() = %q", res.String())
	}
	assertNoWorkspaces(t, workspaces)
}

func TestRunUnsupportedLanguage(t *testing.T) {
	r, workspaces := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "x", Language: "cobol"})

	if res.Outcome != OutcomeInternalError {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if !strings.HasPrefix(res.String(), "Internal System Error: ") {
		t.Fatalf("String() = %q", res.String())
	}
	assertNoWorkspaces(t, workspaces)
}

func TestRunIgnoresUnreadInput(t *testing.T) {
	r, _ := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "echo done\n", Language: "sh", Input: strings.Repeat("x", 256*1024)})

	if res.Outcome != OutcomeSuccess || res.Output != "done\n" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunRecordsJournal(t *testing.T) {
	r, _ := newTestRunner(t, fastOptions())
	j := &memJournal{}
	r.SetJournal(j)

	r.Run(context.Background(), Request{Code: "exit 2\n", Language: "sh"})

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.runs) != 1 {
		t.Fatalf("runs = %d", len(j.runs))
	}
	if j.runs[0].Language != "sh" || j.runs[0].Outcome != string(OutcomeRuntimeError) {
		t.Fatalf("run = %+v", j.runs[0])
	}
}

func TestRunPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	r, _ := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "print(input())", Language: "python", Input: "hi\n"})
	if res.Outcome != OutcomeSuccess || res.Output != "hi\n" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunPythonInfiniteLoopTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the default run timeout")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	opts := fastOptions()
	opts.RunTimeout = DefaultOptions().RunTimeout
	r, _ := newTestRunner(t, opts)

	start := time.Now()
	res := r.Run(context.Background(), Request{Code: "while True:\n    pass\n", Language: "python"})
	if res.Outcome != OutcomeTimeout || res.Output != "" {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Fatalf("timed out after %s, want at least 5s", elapsed)
	}
}

func TestRunJavaSyntaxError(t *testing.T) {
	if _, err := exec.LookPath("javac"); err != nil {
		t.Skip("javac not installed")
	}
	r, _ := newTestRunner(t, fastOptions())

	res := r.Run(context.Background(), Request{Code: "public class Main { public static void main(String[] a) { int x = } }", Language: "java"})
	if res.Outcome != OutcomeCompileError || res.Output == "" {
		t.Fatalf("result = %+v", res)
	}
}
