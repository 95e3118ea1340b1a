package agent

import (
	"os"
	"regexp"
	"strings"
)

// dangerousPatterns are destructive shell idioms that are refused before
// anything is spawned: recursive deletes near the filesystem root, disk
// formatting, raw writes to block devices, and the classic fork bomb.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*[rf][a-z]*\s+(/|/\*|~|\$HOME)`),
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+[^|;&]*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
}

func dangerousCommand(cmd string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// Only these environment variable names (or prefixes) may be forwarded into
// a spawned server, no matter what the control plane requested.
var allowedEnvNames = map[string]bool{
	"PATH":   true,
	"HOME":   true,
	"USER":   true,
	"LANG":   true,
	"LC_ALL": true,
	"TZ":     true,
	"TMPDIR": true,
}

var allowedEnvPrefixes = []string{"JAVA_", "MC_"}

func envAllowed(name string) bool {
	if allowedEnvNames[name] {
		return true
	}
	for _, p := range allowedEnvPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// mergeEnv composes the spawn environment: whitelisted host variables as the
// base, whitelisted control-plane values layered on top. Everything else is
// dropped silently.
func mergeEnv(requested map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && envAllowed(k) {
			merged[k] = v
		}
	}
	for k, v := range requested {
		if envAllowed(k) {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
