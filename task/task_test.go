package task_test

import (
	"testing"

	"github.com/seantiz/torque/task"
)

func f64(v float64) *float64 { return &v }

func TestValidateRequiresExecution(t *testing.T) {
	tk := &task.Task{}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for task without executions")
	}

	tk.Executions = []task.Execution{{Image: "alpine:latest", Program: "echo"}}
	if err := tk.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresImageAndProgram(t *testing.T) {
	tk := &task.Task{Executions: []task.Execution{{Program: "echo"}}}
	if err := tk.Validate(); err == nil {
		t.Error("expected error for execution without image")
	}

	tk = &task.Task{Executions: []task.Execution{{Image: "alpine:latest"}}}
	if err := tk.Validate(); err == nil {
		t.Error("expected error for execution without program")
	}
}

func TestExecutionCommand(t *testing.T) {
	e := task.Execution{Program: "echo", Args: []string{"hello", "world"}}
	got := e.Command()
	want := []string{"echo", "hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("Command() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Command()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInputReadOnlyDefaultsTrue(t *testing.T) {
	in := task.Input{Path: "/data"}
	if !in.IsReadOnly() {
		t.Error("read-only should default to true")
	}

	rw := false
	in.ReadOnly = &rw
	if in.IsReadOnly() {
		t.Error("explicit read-write flag should win")
	}
}

func TestResolveResourcesBuiltInDefaults(t *testing.T) {
	got := task.ResolveResources(nil, nil)

	if got.CPU == nil || *got.CPU != task.DefaultCPU {
		t.Errorf("cpu = %v, want %v", got.CPU, task.DefaultCPU)
	}
	if got.RamGiB == nil || *got.RamGiB != task.DefaultRamGiB {
		t.Errorf("ram = %v, want %v", got.RamGiB, task.DefaultRamGiB)
	}
	if got.DiskGiB == nil || *got.DiskGiB != task.DefaultDisk {
		t.Errorf("disk = %v, want %v", got.DiskGiB, task.DefaultDisk)
	}
	if got.Preemptible == nil || *got.Preemptible {
		t.Errorf("preemptible = %v, want false", got.Preemptible)
	}
	if got.CPULimit != nil || got.RamLimitGiB != nil {
		t.Error("limits have no built-in default")
	}
}

func TestResolveResourcesLayering(t *testing.T) {
	backend := &task.Resources{CPU: f64(4), RamGiB: f64(16)}
	requested := &task.Resources{CPU: f64(2), DiskGiB: f64(100)}

	got := task.ResolveResources(backend, requested)

	// Task value wins over backend default.
	if *got.CPU != 2 {
		t.Errorf("cpu = %v, want task value 2", *got.CPU)
	}
	// Backend default wins over built-in.
	if *got.RamGiB != 16 {
		t.Errorf("ram = %v, want backend default 16", *got.RamGiB)
	}
	// Task value wins over built-in when the backend is silent.
	if *got.DiskGiB != 100 {
		t.Errorf("disk = %v, want task value 100", *got.DiskGiB)
	}
	// Untouched fields fall back to built-in defaults.
	if *got.Preemptible {
		t.Error("preemptible should stay at built-in default false")
	}
}

func TestResolveResourcesFieldsAreIndependent(t *testing.T) {
	pre := true
	backend := &task.Resources{CPULimit: f64(8)}
	requested := &task.Resources{Preemptible: &pre, Zones: []string{"us-central1-a"}}

	got := task.ResolveResources(backend, requested)

	if got.CPULimit == nil || *got.CPULimit != 8 {
		t.Errorf("cpu limit = %v, want backend default 8", got.CPULimit)
	}
	if got.Preemptible == nil || !*got.Preemptible {
		t.Error("preemptible should take the task value")
	}
	if len(got.Zones) != 1 || got.Zones[0] != "us-central1-a" {
		t.Errorf("zones = %v, want task zones", got.Zones)
	}
}
