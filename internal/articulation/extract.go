package articulation

import (
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// stripThinking removes <think>...</think> reasoning blocks. An unclosed
// block swallows the rest of the text; a dangling close tag drops everything
// before it.
func stripThinking(text string) string {
	for {
		start := strings.Index(text, thinkOpen)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], thinkClose)
		if end < 0 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len(thinkClose):]
	}
	if idx := strings.LastIndex(text, thinkClose); idx >= 0 {
		text = text[idx+len(thinkClose):]
	}
	return text
}

// cleanLines strips reasoning blocks, code-fence lines and blank lines and
// returns the remaining lines trimmed.
func cleanLines(text string) []string {
	text = stripThinking(text)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines
}

// selectCandidate collapses cleaned lines into the single line to parse: the
// first line carrying a separator, otherwise every line joined by a space.
func selectCandidate(lines []string) string {
	for _, line := range lines {
		if strings.IndexByte(line, Separator) >= 0 {
			return line
		}
	}
	for _, line := range lines {
		if strings.IndexByte(line, AltSeparator) >= 0 {
			return line
		}
	}
	return strings.Join(lines, " ")
}

// ExtractCandidate returns the line Parse would hand to the strict parser.
func ExtractCandidate(text string) string {
	return selectCandidate(cleanLines(text))
}
