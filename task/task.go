// Package task defines the unit of work accepted by execution backends: a
// Task composed of one or more sequential Executions, plus the inputs,
// outputs and resource requests that travel with it.
package task

// Input content types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Task is a unit of work to be run by a backend. A task must carry at least
// one Execution; its steps run strictly in order, sharing only the
// task-level volumes. Tasks are immutable once spawned.
type Task struct {
	// Name identifies the task to the backend (container/service name, job
	// name). The engine assigns a generated name when this is empty.
	Name        string
	Description string

	// Executions are the ordered steps of the task. At least one is required.
	Executions []Execution

	Inputs  []Input
	Outputs []Output

	// Resources are the task-level resource requests; nil means "use the
	// backend and built-in defaults for every field".
	Resources *Resources

	// Volumes are paths inside the execution environment shared across all
	// executions of the task.
	Volumes []string
}

// Validate reports whether the task is well formed enough to spawn.
func (t *Task) Validate() error {
	if len(t.Executions) == 0 {
		return errNoExecutions
	}
	for i := range t.Executions {
		if err := t.Executions[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// Execution is one command run in one environment.
type Execution struct {
	// Image is the container image identifier. Required; backends without a
	// container substrate ignore it.
	Image string

	// Program is the executable to run. Required.
	Program string
	Args    []string

	// WorkDir is the working directory inside the execution environment.
	WorkDir string

	// Env maps environment variable names to values. Keys are unique; order
	// is irrelevant.
	Env map[string]string

	// Stdin, Stdout and Stderr are optional redirection paths inside the
	// execution environment. Only backends with native support honor them.
	Stdin  string
	Stdout string
	Stderr string
}

func (e *Execution) validate() error {
	if e.Image == "" {
		return errNoImage
	}
	if e.Program == "" {
		return errNoProgram
	}
	return nil
}

// Command returns the program and arguments as a single argv slice.
func (e *Execution) Command() []string {
	cmd := make([]string, 0, len(e.Args)+1)
	cmd = append(cmd, e.Program)
	cmd = append(cmd, e.Args...)
	return cmd
}

// Input is a file or directory materialized inside the execution environment
// before the first execution starts. Exactly one of HostPath, Literal or URL
// should be set.
type Input struct {
	Name        string
	Description string

	// Path is the destination inside the execution environment.
	Path string

	// HostPath sources the contents from a path on the host.
	HostPath string

	// Literal sources the contents from an inline byte literal.
	Literal []byte

	// URL sources the contents from a URL. Backends differ in which schemes
	// they can fetch.
	URL string

	// Type is TypeFile or TypeDirectory. Empty means TypeFile.
	Type string

	// ReadOnly defaults to true; use the pointer to opt out.
	ReadOnly *bool
}

// IsReadOnly reports the effective read-only flag (default true).
func (i *Input) IsReadOnly() bool {
	if i.ReadOnly == nil {
		return true
	}
	return *i.ReadOnly
}

// Output declares a path inside the execution environment whose contents are
// of interest after the task finishes, optionally staged to a destination URL
// by backends that support it.
type Output struct {
	Name        string
	Description string

	// Path is the source inside the execution environment.
	Path string

	// URL is the optional staging destination.
	URL string

	// Type is TypeFile or TypeDirectory. Empty means TypeFile.
	Type string
}
