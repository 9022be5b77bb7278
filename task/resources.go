package task

import "errors"

var (
	errNoExecutions = errors.New("task has no executions")
	errNoImage      = errors.New("execution has no image")
	errNoProgram    = errors.New("execution has no program")
)

// Built-in resource defaults applied when neither the task nor the backend
// configuration specifies a value.
const (
	DefaultCPU    = 1.0
	DefaultRamGiB = 2.0
	DefaultDisk   = 8.0
)

// Resources describes requested execution resources. Every field is
// optional; nil means "use default or ignore". How each field maps onto an
// execution substrate is up to the backend.
type Resources struct {
	// CPU is the number of requested CPU cores. Partial cores are allowed
	// but not respected by every backend.
	CPU *float64

	// CPULimit is a hard cap on CPU cores.
	CPULimit *float64

	// RamGiB is the requested memory in GiB.
	RamGiB *float64

	// RamLimitGiB is a hard cap on memory in GiB.
	RamLimitGiB *float64

	// DiskGiB is the requested disk in GiB.
	DiskGiB *float64

	// Preemptible hints that the task may run on preemptible capacity.
	Preemptible *bool

	// Zones lists preferred compute zones.
	Zones []string
}

// apply overlays every present field of other onto r.
func (r *Resources) apply(other *Resources) {
	if other == nil {
		return
	}
	if other.CPU != nil {
		r.CPU = other.CPU
	}
	if other.CPULimit != nil {
		r.CPULimit = other.CPULimit
	}
	if other.RamGiB != nil {
		r.RamGiB = other.RamGiB
	}
	if other.RamLimitGiB != nil {
		r.RamLimitGiB = other.RamLimitGiB
	}
	if other.DiskGiB != nil {
		r.DiskGiB = other.DiskGiB
	}
	if other.Preemptible != nil {
		r.Preemptible = other.Preemptible
	}
	if other.Zones != nil {
		r.Zones = other.Zones
	}
}

// ResolveResources merges the built-in defaults, the backend-configured
// defaults and the task-requested resources into one effective value set.
// Later layers win per field: task over backend default over built-in.
func ResolveResources(backendDefaults, requested *Resources) Resources {
	cpu := DefaultCPU
	ram := DefaultRamGiB
	disk := DefaultDisk
	preemptible := false

	effective := Resources{
		CPU:         &cpu,
		RamGiB:      &ram,
		DiskGiB:     &disk,
		Preemptible: &preemptible,
	}
	effective.apply(backendDefaults)
	effective.apply(requested)
	return effective
}
