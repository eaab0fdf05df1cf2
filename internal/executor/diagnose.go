package executor

import "strings"

// DiagnoseCrash turns the tail of a crashed container's log into a message a
// user can act on. Falls back to the last non-empty log line.
func DiagnoseCrash(logs string) string {
	lower := strings.ToLower(logs)
	switch {
	case strings.Contains(lower, "no such file or directory") && strings.Contains(lower, "exec"):
		return "executor binary failed to start; the base image is likely missing glibc (musl-based images such as alpine are not supported)"
	case strings.Contains(lower, "permission denied"):
		return "executor binary is not executable inside the container (permission denied)"
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom"):
		return "container was killed by the kernel OOM killer; raise the task's memory limit"
	}
	if line := lastLine(logs); line != "" {
		return "container exited during startup: " + line
	}
	return "container exited during startup with no log output"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
