package articulation

import (
	"fmt"
	"strings"
	"sync"

	"intentbridge/internal/logging"
)

// =============================================================================
// INTENT PARSER - Worker Answer → Speech + Actions
// =============================================================================
// The worker is asked for a single line of the form
//
//	speech|action [action]|action|attack=target
//
// and frequently answers with commentary, code fences, reasoning blocks or
// the wrong separator around it. Parse runs progressively more permissive
// passes until one produces a usable intent.

// ParseMethod records which pass produced a ParsedIntent.
type ParseMethod string

const (
	MethodStrict     ParseMethod = "strict"
	MethodNormalized ParseMethod = "normalized"
	MethodLenient    ParseMethod = "lenient"
)

// ParsedIntent is the validated outcome of one worker answer.
type ParsedIntent struct {
	Speech  string
	Actions []Action
	Target  string

	// Parsing metadata
	Method    ParseMethod
	Warnings  []string
	Candidate string
}

// Keywords returns the actions as wire keywords.
func (pi *ParsedIntent) Keywords() []string {
	out := make([]string, len(pi.Actions))
	for i, a := range pi.Actions {
		out[i] = a.String()
	}
	return out
}

// ParseError reports an answer that yielded no usable speech at all.
type ParseError struct {
	Reason    string
	Candidate string
}

func (e *ParseError) Error() string {
	return "articulation: " + e.Reason
}

// ProcessorStats tracks parsing statistics for monitoring.
type ProcessorStats struct {
	TotalProcessed   int
	StrictParses     int
	NormalizedParses int
	LenientParses    int
	TargetBackfills  int
	Failures         int
}

// Parser turns worker answers into ParsedIntents. It is safe for concurrent
// use; the only shared state is the statistics block.
type Parser struct {
	mu    sync.Mutex
	stats ProcessorStats
}

// NewParser creates a parser with empty statistics.
func NewParser() *Parser {
	return &Parser{}
}

// Parse runs the full pipeline over a worker answer: extraction, strict
// parse, separator normalization, lenient fallback and the target-hint scan.
// It only fails when no speech can be recovered.
func (p *Parser) Parse(text string) (*ParsedIntent, error) {
	cleaned := cleanLines(text)
	candidate := selectCandidate(cleaned)
	log := logging.Get(logging.CategoryArticulation)

	if candidate == "" {
		p.record(func(s *ProcessorStats) { s.TotalProcessed++; s.Failures++ })
		return nil, &ParseError{Reason: "empty answer"}
	}

	intent, strictErr := ParseStrict(candidate)
	method := MethodStrict
	if strictErr != nil {
		if normalized := normalizeSeparators(candidate); normalized != candidate {
			if retried, err := ParseStrict(normalized); err == nil {
				intent, strictErr = retried, nil
				method = MethodNormalized
			}
		}
	}

	if strictErr != nil {
		log.Debug("strict parse failed for %q: %v", candidate, strictErr)
		speech, action, ok := parseLenient(candidate)
		if !ok {
			p.record(func(s *ProcessorStats) { s.TotalProcessed++; s.Failures++ })
			return nil, &ParseError{Reason: "no speech found: " + strictErr.Error(), Candidate: candidate}
		}
		intent = &ParsedIntent{
			Speech:   speech,
			Actions:  []Action{action},
			Warnings: []string{"used lenient parsing: " + strictErr.Error()},
		}
		method = MethodLenient
	}

	intent.Method = method
	intent.Candidate = candidate

	backfilled := false
	if hint := targetHint(strings.Join(cleaned, "\n")); hint != "" {
		switch {
		case intent.Target == "":
			intent.Target = hint
			backfilled = true
		case intent.Target != hint:
			intent.Warnings = append(intent.Warnings,
				fmt.Sprintf("target hint %q disagrees with parsed target %q", hint, intent.Target))
		}
	}

	p.record(func(s *ProcessorStats) {
		s.TotalProcessed++
		switch method {
		case MethodStrict:
			s.StrictParses++
		case MethodNormalized:
			s.NormalizedParses++
		case MethodLenient:
			s.LenientParses++
		}
		if backfilled {
			s.TargetBackfills++
		}
	})
	return intent, nil
}

// ParseStrict parses a single answer line against the grammar. It accepts
// 2 to 4 fields, allow-listed action tokens only, at most MaxActions actions
// and at most one target.
func ParseStrict(line string) (*ParsedIntent, error) {
	fields, err := splitFields(line, Separator)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("answer must include at least one action field separated by '%c'", Separator)
	}
	if len(fields) > 4 {
		return nil, fmt.Errorf("answer has %d fields, at most 4 allowed", len(fields))
	}

	speech := strings.TrimSpace(fields[0].text)
	if speech == "" {
		return nil, fmt.Errorf("speech field missing")
	}

	intent := &ParsedIntent{Speech: speech}
	for _, f := range fields[1:] {
		if f.text == "" {
			return nil, fmt.Errorf("empty action field")
		}
		for _, tok := range actionTokens(f.text) {
			if err := intent.addToken(tok); err != nil {
				return nil, err
			}
		}
	}

	if len(intent.Actions) == 0 {
		if intent.Target == "" {
			return nil, fmt.Errorf("answer has no action")
		}
		intent.Actions = []Action{ActionIdle}
	}
	return intent, nil
}

// addToken validates one action token and appends it to the intent.
func (pi *ParsedIntent) addToken(tok string) error {
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		tok = strings.TrimSpace(tok[1 : len(tok)-1])
	}
	tok = strings.ToLower(tok)

	if key, value, ok := strings.Cut(tok, "="); ok {
		if key != TargetKey {
			return fmt.Errorf("action %q does not take a target", key)
		}
		if value == "" {
			return fmt.Errorf("%s target missing", TargetKey)
		}
		target := wordPrefix(value)
		if target == "" {
			return fmt.Errorf("%s target %q is invalid", TargetKey, value)
		}
		if pi.Target != "" {
			return fmt.Errorf("%s target repeated", TargetKey)
		}
		pi.Target = target
		return nil
	}

	if !isWord(tok) {
		return fmt.Errorf("action token %q is invalid", tok)
	}
	action, ok := ActionFromKeyword(tok)
	if !ok {
		return fmt.Errorf("action %q is not allowed", tok)
	}
	if len(pi.Actions) == MaxActions {
		return fmt.Errorf("more than %d action tokens", MaxActions)
	}
	pi.Actions = append(pi.Actions, action)
	return nil
}

// GetStats returns current processing statistics.
func (p *Parser) GetStats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats resets the processing statistics.
func (p *Parser) ResetStats() {
	p.mu.Lock()
	p.stats = ProcessorStats{}
	p.mu.Unlock()
}

func (p *Parser) record(update func(*ProcessorStats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}
