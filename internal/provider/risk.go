package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// Read-only tools across the supported CLIs.
var lowRiskTools = map[string]struct{}{
	"Read":         {},
	"Glob":         {},
	"Grep":         {},
	"LS":           {},
	"WebSearch":    {},
	"WebFetch":     {},
	"TodoRead":     {},
	"read_file":    {},
	"list_files":   {},
	"search_files": {},
	"glob":         {},
	"grep":         {},
}

// Ordinary write tools.
var mediumRiskTools = map[string]struct{}{
	"Write":        {},
	"Edit":         {},
	"MultiEdit":    {},
	"NotebookEdit": {},
	"TodoWrite":    {},
	"write_file":   {},
	"edit_file":    {},
	"apply_patch":  {},
}

// Shell execution tools whose risk depends on the command line.
var shellTools = map[string]struct{}{
	"Bash":            {},
	"bash":            {},
	"shell":           {},
	"exec":            {},
	"execute_command": {},
	"run_command":     {},
	"local_shell":     {},
	"terminal":        {},
}

var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bgit\s+push\s+.*(--force|-f)\b`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`),
	regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`),
	regexp.MustCompile(`\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// ClassifyRisk assigns a risk level to a proposed tool call. Read-only tools
// are low, common writes are medium, shell commands matching destructive
// patterns are high, anything unrecognized defaults to medium.
func ClassifyRisk(name string, args map[string]any) Risk {
	if _, ok := lowRiskTools[name]; ok {
		return RiskLow
	}
	if _, ok := mediumRiskTools[name]; ok {
		return RiskMedium
	}
	if _, ok := shellTools[name]; ok {
		if isDestructiveCommand(commandText(args)) {
			return RiskHigh
		}
		return RiskMedium
	}
	return RiskMedium
}

func commandText(args map[string]any) string {
	if args == nil {
		return ""
	}
	for _, key := range []string{"command", "cmd", "script", "input"} {
		switch v := args[key].(type) {
		case string:
			return v
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func isDestructiveCommand(command string) bool {
	if command == "" {
		return false
	}
	for _, pattern := range destructivePatterns {
		if pattern.MatchString(command) {
			return true
		}
	}
	return false
}
