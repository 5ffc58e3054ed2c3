package runner

import "fmt"

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCompileError  Outcome = "compile_error"
	OutcomeRuntimeError  Outcome = "runtime_error"
	OutcomeInternalError Outcome = "internal_error"
)

// NoOutput replaces the output of a successful run that printed nothing.
const NoOutput = "Execution successful (no output)."

// Result is the single outcome of a synchronous run.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	Output   string  `json:"output"`
	Language string  `json:"language,omitempty"`
}

func success(stdout string) Result {
	if stdout == "" {
		stdout = NoOutput
	}
	return Result{Outcome: OutcomeSuccess, Output: stdout}
}

func timeout(partial string) Result {
	return Result{Outcome: OutcomeTimeout, Output: partial}
}

func compileError(diagnostic string) Result {
	return Result{Outcome: OutcomeCompileError, Output: diagnostic}
}

func runtimeError(stderr string) Result {
	return Result{Outcome: OutcomeRuntimeError, Output: stderr}
}

func internalError(err error) Result {
	return Result{Outcome: OutcomeInternalError, Output: err.Error()}
}

// String renders the result as the plain-text report returned to graders.
func (r Result) String() string {
	switch r.Outcome {
	case OutcomeSuccess:
		return r.Output
	case OutcomeTimeout:
		name := r.Language
		if name == "" {
			name = "Your"
		}
		return fmt.Sprintf("Execution Timeout: %s code took too long to run.\nOutput so far:\n%s", name, r.Output)
	case OutcomeCompileError:
		return "Compilation Error:\n" + r.Output
	case OutcomeRuntimeError:
		return "Runtime Error:\n" + r.Output
	default:
		return "Internal System Error: " + r.Output
	}
}
