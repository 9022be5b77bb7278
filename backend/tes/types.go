package tes

// Wire types for the GA4GH Task Execution Service v1 API, limited to the
// fields this backend reads and writes.

// State is a TES task state.
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceled      State = "CANCELED"
)

// Terminal reports whether the state ends polling.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateSystemError, StateCanceled:
		return true
	default:
		return false
	}
}

// Task is a TES task document.
type Task struct {
	ID          string     `json:"id,omitempty"`
	State       State      `json:"state,omitempty"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Inputs      []Input    `json:"inputs,omitempty"`
	Outputs     []Output   `json:"outputs,omitempty"`
	Resources   *Resources `json:"resources,omitempty"`
	Executors   []Executor `json:"executors"`
	Volumes     []string   `json:"volumes,omitempty"`
	Logs        []TaskLog  `json:"logs,omitempty"`
}

// Executor is one command of a TES task.
type Executor struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Stdout  string            `json:"stdout,omitempty"`
	Stderr  string            `json:"stderr,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Input is a TES task input. Content and URL are mutually exclusive.
type Input struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Path        string `json:"path"`
	Type        string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Output is a TES task output.
type Output struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	Path        string `json:"path"`
	Type        string `json:"type,omitempty"`
}

// Resources are TES task resource requests.
type Resources struct {
	CPUCores    int64    `json:"cpu_cores,omitempty"`
	Preemptible bool     `json:"preemptible,omitempty"`
	RamGB       float64  `json:"ram_gb,omitempty"`
	DiskGB      float64  `json:"disk_gb,omitempty"`
	Zones       []string `json:"zones,omitempty"`
}

// TaskLog is one attempt's log set; Logs holds one entry per executor.
type TaskLog struct {
	Logs      []ExecutorLog `json:"logs"`
	StartTime string        `json:"start_time,omitempty"`
	EndTime   string        `json:"end_time,omitempty"`
}

// ExecutorLog is one executor's captured result.
type ExecutorLog struct {
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  int    `json:"exit_code"`
}

// ServiceInfo is the GET /service-info document.
type ServiceInfo struct {
	Name string `json:"name,omitempty"`
	Doc  string `json:"doc,omitempty"`
}

// TES content type constants.
const (
	fileTypeFile      = "FILE"
	fileTypeDirectory = "DIRECTORY"
)

// View levels for GET /tasks/{id}.
const (
	viewMinimal = "MINIMAL"
	viewFull    = "FULL"
)
