package tools

import (
	"regexp"
	"strings"
)

// CommandRisk classifies a shell command for execution policy.
type CommandRisk string

const (
	CommandRiskReadonly  CommandRisk = "readonly"
	CommandRiskMutating  CommandRisk = "mutating"
	CommandRiskDangerous CommandRisk = "dangerous"
)

// Dangerous commands are refused outright, regardless of role policy.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`\brm\s+-rf?\s+(?:--no-preserve-root\s+)?/\s*(?:$|[;&|])`),
	regexp.MustCompile(`\bmkfs(?:\.[a-z0-9_-]+)?\b`),
	regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`),
	regexp.MustCompile(`\b(?:shutdown|reboot|poweroff|halt)\b`),
}

var readonlyCommands = map[string]struct{}{
	"cat": {}, "head": {}, "tail": {}, "wc": {},
	"ls": {}, "find": {}, "stat": {}, "pwd": {},
	"grep": {}, "rg": {}, "which": {}, "file": {},
	"basename": {}, "dirname": {}, "realpath": {},
	"sort": {}, "uniq": {}, "cut": {}, "echo": {},
	"env": {}, "date": {}, "uname": {},
}

var readonlyGitVerbs = map[string]struct{}{
	"status": {}, "log": {}, "diff": {}, "show": {},
	"branch": {}, "remote": {}, "ls-files": {}, "rev-parse": {},
}

var segmentSplitter = regexp.MustCompile(`\|\||&&|[;|\n]`)

// ClassifyCommandRisk grades a shell command. The grading is conservative:
// anything not recognizably read-only counts as mutating.
func ClassifyCommandRisk(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRiskMutating
	}
	lower := strings.ToLower(trimmed)
	for _, p := range dangerousPatterns {
		if p.MatchString(lower) {
			return CommandRiskDangerous
		}
	}
	for _, seg := range segmentSplitter.Split(trimmed, -1) {
		if !isReadonlySegment(seg) {
			return CommandRiskMutating
		}
	}
	return CommandRiskReadonly
}

func isReadonlySegment(segment string) bool {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		// Empty segments come from adjacent separators; ignore them.
		return true
	}
	if strings.ContainsRune(stripBenignRedirects(segment), '>') {
		return false
	}
	fields := strings.Fields(segment)
	if len(fields) == 0 {
		return true
	}
	verb := strings.ToLower(fields[0])
	if verb == "git" {
		for _, arg := range fields[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			_, ok := readonlyGitVerbs[strings.ToLower(arg)]
			return ok
		}
		return false
	}
	_, ok := readonlyCommands[verb]
	return ok
}

func stripBenignRedirects(segment string) string {
	lower := strings.ToLower(segment)
	for _, benign := range []string{"2>&1", "1>&2", ">/dev/null", "2>/dev/null"} {
		lower = strings.ReplaceAll(lower, benign, "")
	}
	return lower
}
