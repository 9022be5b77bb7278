package generic

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/seantiz/torque/task"
)

// Placeholders look like ~{name} or ~{name:-default}. A bound name is
// replaced by its value, an unbound name with a default by the default, and
// an unbound name without a default is left as literal text.
var placeholderRegexp = regexp.MustCompile(`~\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// whitespaceRegexp matches whitespace runs, including newlines, so templates
// can be formatted over multiple lines in configuration.
var whitespaceRegexp = regexp.MustCompile(`\s+`)

// substitute replaces every placeholder in input per the rules above.
func substitute(input string, values map[string]string) string {
	return placeholderRegexp.ReplaceAllStringFunc(input, func(match string) string {
		groups := placeholderRegexp.FindStringSubmatch(match)
		name, defaulted := groups[1], groups[2] != ""

		if v, ok := values[name]; ok {
			return v
		}
		if defaulted {
			return groups[3]
		}
		return match
	})
}

// resolveCommand substitutes values into a command template and collapses
// all whitespace runs of the trimmed result to single spaces.
func resolveCommand(template string, values map[string]string) string {
	resolved := substitute(template, values)
	return whitespaceRegexp.ReplaceAllString(strings.TrimSpace(resolved), " ")
}

// resourceValues exposes effective resources under the placeholder names the
// templates may reference. Zones are deliberately not exposed.
func resourceValues(res task.Resources) map[string]string {
	values := make(map[string]string, 8)
	if res.CPU != nil {
		values["cpu"] = formatFloat(*res.CPU)
	}
	if res.CPULimit != nil {
		values["cpu_limit"] = formatFloat(*res.CPULimit)
	}
	if res.RamGiB != nil {
		values["ram"] = formatFloat(*res.RamGiB)
		values["ram_mb"] = formatFloat(*res.RamGiB * 1024)
	}
	if res.RamLimitGiB != nil {
		values["ram_limit"] = formatFloat(*res.RamLimitGiB)
	}
	if res.DiskGiB != nil {
		values["disk"] = formatFloat(*res.DiskGiB)
		values["disk_mb"] = formatFloat(*res.DiskGiB * 1024)
	}
	if res.Preemptible != nil {
		values["preemptible"] = strconv.FormatBool(*res.Preemptible)
	}
	return values
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
