package articulation

import (
	"strings"
)

// parseLenient recovers speech and a single action from a line the strict
// grammar rejected. It fails only when no speech text exists.
func parseLenient(line string) (string, Action, bool) {
	speech := lenientSpeech(line)
	if speech == "" {
		return "", ActionIdle, false
	}
	return speech, scanKeyword(line), true
}

// lenientSpeech picks the speech out of a malformed line: a leading quoted
// run, else the text before the first separator, else the first quoted run
// anywhere, else the whole line.
func lenientSpeech(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, `"`) {
		if run, ok := firstQuotedRun(trimmed); ok && strings.TrimSpace(run) != "" {
			return strings.TrimSpace(run)
		}
	}
	if idx := strings.IndexByte(trimmed, Separator); idx >= 0 {
		return strings.Trim(strings.TrimSpace(trimmed[:idx]), `"`)
	}
	if run, ok := firstQuotedRun(trimmed); ok && strings.TrimSpace(run) != "" {
		return strings.TrimSpace(run)
	}
	return trimmed
}

// scanKeyword returns the highest-priority allow-listed keyword that appears
// as a whole word in line, or ActionIdle.
//
// The scan covers the speech too, so a keyword quoted inside dialogue wins
// over no match at all. Known precision tradeoff of the fallback; revisit if
// it misfires in practice.
func scanKeyword(line string) Action {
	lowered := strings.ToLower(line)
	for _, e := range vocabulary {
		from := 0
		for {
			idx := strings.Index(lowered[from:], e.keyword)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(e.keyword)
			leftOK := start == 0 || !isWordByte(lowered[start-1])
			rightOK := end >= len(lowered) || !isWordByte(lowered[end])
			if leftOK && rightOK {
				return e.action
			}
			from = end
		}
	}
	return ActionIdle
}

// targetHint finds the first "attack=<target>" in text regardless of field
// structure and returns the lowercased target run.
func targetHint(text string) string {
	lowered := strings.ToLower(text)
	needle := TargetKey + "="
	idx := strings.Index(lowered, needle)
	if idx < 0 {
		return ""
	}
	return wordPrefix(lowered[idx+len(needle):])
}
