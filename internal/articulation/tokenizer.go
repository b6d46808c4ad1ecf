package articulation

import (
	"fmt"
	"strings"
)

// Separator splits the fields of an answer line.
const Separator = '|'

// AltSeparator is the character models most often emit in place of Separator.
const AltSeparator = '+'

// field is one separator-delimited segment of an answer line.
type field struct {
	text   string
	quoted bool
}

// splitFields scans an answer line into fields.
//
// The first field is the speech. When it opens with a double quote it is read
// as a quoted string in which "" stands for a literal quote, and separators
// inside the quotes do not split. An unquoted first field ends at the first
// separator. Every later field runs to the next separator.
//
// It is safe to iterate bytes here: sep and '"' are ASCII, and UTF-8
// guarantees ASCII bytes never appear inside a multi-byte sequence.
func splitFields(line string, sep byte) ([]field, error) {
	var fields []field
	i := skipSpace(line, 0)

	if i < len(line) && line[i] == '"' {
		speech, next, err := scanQuoted(line, i)
		if err != nil {
			return nil, err
		}
		next = skipSpace(line, next)
		if next < len(line) && line[next] != sep {
			return nil, fmt.Errorf("unexpected text after quoted speech at offset %d", next)
		}
		fields = append(fields, field{text: speech, quoted: true})
		if next >= len(line) {
			return fields, nil
		}
		i = next + 1
	} else {
		end := strings.IndexByte(line[i:], sep)
		if end < 0 {
			return append(fields, field{text: strings.TrimSpace(line[i:])}), nil
		}
		fields = append(fields, field{text: strings.TrimSpace(line[i : i+end])})
		i += end + 1
	}

	for {
		end := strings.IndexByte(line[i:], sep)
		if end < 0 {
			fields = append(fields, field{text: strings.TrimSpace(line[i:])})
			return fields, nil
		}
		fields = append(fields, field{text: strings.TrimSpace(line[i : i+end])})
		i += end + 1
	}
}

// scanQuoted reads a "..." string starting at s[start] == '"', collapsing ""
// into ". It returns the unquoted text and the offset just past the closing
// quote.
func scanQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if c != '"' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), i + 1, nil
	}
	return "", len(s), fmt.Errorf("unterminated quoted speech")
}

// firstQuotedRun returns the contents of the first quoted run in s, if any.
// An unterminated run extends to the end of s.
func firstQuotedRun(s string) (string, bool) {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return "", false
	}
	text, _, err := scanQuoted(s, start)
	if err != nil {
		return strings.TrimSpace(strings.ReplaceAll(s[start+1:], `""`, `"`)), true
	}
	return text, true
}

// actionTokens splits an action field into tokens on whitespace and commas.
func actionTokens(f string) []string {
	return strings.FieldsFunc(f, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
	})
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n') {
		i++
	}
	return i
}

// normalizeSeparators rewrites runs of AltSeparator into a single Separator.
// Lines that already contain Separator are returned unchanged.
func normalizeSeparators(line string) string {
	if strings.IndexByte(line, Separator) >= 0 {
		return line
	}
	var b strings.Builder
	b.Grow(len(line))
	lastSep := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == AltSeparator {
			if !lastSep {
				b.WriteByte(Separator)
				lastSep = true
			}
			continue
		}
		lastSep = false
		b.WriteByte(c)
	}
	return b.String()
}
