package orchestrator

import (
	"regexp"
	"strconv"
)

// nominalTPS is reported while a server is online but no tick report has
// shown up in the recent log window.
const nominalTPS = 20.0

var (
	// Ready markers across vanilla, Paper, and Forge flavors.
	readyRe = regexp.MustCompile(`Done \([0-9.]+s\)!|Server startup complete|For help, type "help"`)

	joinRe  = regexp.MustCompile(`([A-Za-z0-9_]{1,16}) joined the game`)
	leaveRe = regexp.MustCompile(`([A-Za-z0-9_]{1,16}) left the game`)

	// Matches "TPS: 19.98", "tps = 20.0", "Current TPS 19.2".
	tpsRe = regexp.MustCompile(`(?i)tps[:=\s]+([0-9]+(?:\.[0-9]+)?)`)
)

func isReadyLine(line string) bool { return readyRe.MatchString(line) }

// parseJoin returns the joining player name, or "".
func parseJoin(line string) string {
	if m := joinRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// parseLeave returns the leaving player name, or "".
func parseLeave(line string) string {
	if m := leaveRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// parseTPS scans lines newest-last for a tick report and returns the most
// recent value found.
func parseTPS(lines []string) (float64, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if m := tpsRe.FindStringSubmatch(lines[i]); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				if v > nominalTPS {
					v = nominalTPS
				}
				return v, true
			}
		}
	}
	return 0, false
}

// genericPlayerNames are placeholder names some query sources report when
// they cannot resolve the real roster.
var genericPlayerNames = map[string]bool{
	"Player": true,
	"Steve":  true,
	"Alex":   true,
}

// mergePlayers applies the smart player-list merge rule. The log-derived
// list wins over an empty stats list whenever the stats source still claims
// a nonzero count; a zero count is authoritative and empties the roster.
// Generic placeholder names are dropped unless nothing else is known.
func mergePlayers(logList, statsList []string, statsCount int) []string {
	if len(statsList) == 0 {
		if statsCount == 0 {
			return nil
		}
		// The source claims players it cannot name; the log-derived roster
		// is the better answer.
		return logList
	}
	set := make(map[string]bool, len(logList)+len(statsList))
	var real []string
	var generic []string
	for _, lists := range [][]string{logList, statsList} {
		for _, name := range lists {
			if set[name] {
				continue
			}
			set[name] = true
			if genericPlayerNames[name] {
				generic = append(generic, name)
			} else {
				real = append(real, name)
			}
		}
	}
	if len(real) > 0 {
		return real
	}
	return generic
}
