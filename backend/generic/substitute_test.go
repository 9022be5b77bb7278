package generic

import (
	"testing"

	"github.com/seantiz/torque/task"
)

func TestSubstitute(t *testing.T) {
	values := map[string]string{
		"cpu":  "2",
		"name": "probe",
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bound", "run --cpus ~{cpu}", "run --cpus 2"},
		{"bound wins over default", "~{cpu:-8}", "2"},
		{"unbound with default", "~{queue:-normal}", "normal"},
		{"unbound with empty default", "x~{queue:-}x", "xx"},
		{"unbound without default stays literal", "echo ~{missing}", "echo ~{missing}"},
		{"repeated", "~{name}-~{name}", "probe-probe"},
		{"invalid name stays literal", "~{9bad}", "~{9bad}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substitute(tt.input, values); got != tt.want {
				t.Errorf("substitute(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveCommandCollapsesWhitespace(t *testing.T) {
	template := `
		sbatch
			--cpus ~{cpu}
			--wrap ~{command}
	`
	got := resolveCommand(template, map[string]string{"cpu": "4", "command": "'echo hi'"})
	want := "sbatch --cpus 4 --wrap 'echo hi'"
	if got != want {
		t.Errorf("resolveCommand = %q, want %q", got, want)
	}
}

func TestResourceValues(t *testing.T) {
	cpu, ram, disk := 2.5, 4.0, 16.0
	pre := true
	values := resourceValues(task.Resources{
		CPU:         &cpu,
		RamGiB:      &ram,
		DiskGiB:     &disk,
		Preemptible: &pre,
		Zones:       []string{"us-east1-b"},
	})

	want := map[string]string{
		"cpu":         "2.5",
		"ram":         "4",
		"ram_mb":      "4096",
		"disk":        "16",
		"disk_mb":     "16384",
		"preemptible": "true",
	}
	if len(values) != len(want) {
		t.Fatalf("got %d values %v, want %d", len(values), values, len(want))
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("values[%q] = %q, want %q", k, values[k], v)
		}
	}
}

func TestResourceValuesOmitsUnsetFields(t *testing.T) {
	values := resourceValues(task.Resources{})
	if len(values) != 0 {
		t.Fatalf("expected no values for empty resources, got %v", values)
	}
}

func TestResourceValuesLimits(t *testing.T) {
	cpuLimit, ramLimit := 8.0, 12.0
	values := resourceValues(task.Resources{CPULimit: &cpuLimit, RamLimitGiB: &ramLimit})
	if values["cpu_limit"] != "8" {
		t.Errorf("cpu_limit = %q, want %q", values["cpu_limit"], "8")
	}
	if values["ram_limit"] != "12" {
		t.Errorf("ram_limit = %q, want %q", values["ram_limit"], "12")
	}
}
