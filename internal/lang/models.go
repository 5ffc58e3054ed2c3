package lang

// Toolchain describes how source in one language is laid out, built and run
// inside a workspace. Commands are argv slices executed with the workspace
// as working directory.
type Toolchain struct {
	Name           string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
}

// NeedsBuild reports whether a compile step must succeed before running.
func (t Toolchain) NeedsBuild() bool {
	return len(t.CompileCommand) > 0
}

type Language struct {
	ID        string
	Toolchain Toolchain
}
