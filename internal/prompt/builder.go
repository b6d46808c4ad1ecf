// Package prompt renders the instruction text sent to the inference worker.
// The prompt embeds the opaque situation snapshot and teaches the answer
// format understood by the articulation parser.
package prompt

import (
	"fmt"
	"strings"

	"intentbridge/internal/articulation"
)

// WarmupSnapshot is the snapshot used for the prewarm request.
const WarmupSnapshot = "{}"

// DefaultPersona is the role text for field 1 of the answer.
const DefaultPersona = "You have decided to team up with the player for now, and must answer as the NPC. " +
	"Stick to your role, with your emotions and opinions. " +
	"Use a dark tone, fit for a zombie apocalypse. " +
	"Never repeat the players words."

// DefaultExamples are few-shot answers in the wire format.
var DefaultExamples = []string{
	"Blow me.|idle",
	"Lets put those things in the ground.|use_melee|attack=zombie",
	"Providing cover!|guard_area|use_gun",
}

// Builder renders prompts. The zero value is usable and uses the defaults.
type Builder struct {
	Persona  string
	Examples []string
}

// Default returns a Builder with the stock persona and examples.
func Default() *Builder {
	return &Builder{Persona: DefaultPersona, Examples: DefaultExamples}
}

// Build renders the prompt for snapshot. A non-empty utterance is appended
// to the situation as a player_utterance line.
func (b *Builder) Build(snapshot, utterance string) string {
	persona := b.Persona
	if persona == "" {
		persona = DefaultPersona
	}
	examples := b.Examples
	if examples == nil {
		examples = DefaultExamples
	}

	var sb strings.Builder
	sb.WriteString("Situation:\n")
	sb.WriteString(snapshot)
	sb.WriteString("\n")
	if u := strings.TrimSpace(utterance); u != "" {
		fmt.Fprintf(&sb, "player_utterance: %s\n", u)
	}

	sb.WriteString("<System>")
	sb.WriteString("You are a game NPC response engine, supposed to respond to player_utterance. ")
	sb.WriteString("Return ONLY a single line and nothing else. ")
	fmt.Fprintf(&sb, "This line has two to four fields separated by '%c':\n", articulation.Separator)

	sb.WriteString("<Field 1>The first field is an answer to player_utterance. ")
	sb.WriteString(persona)
	sb.WriteString("</Field 1>\n")

	fmt.Fprintf(&sb, "<Fields 2-4>Write 1-%d of the following allowed actions: %s\n",
		articulation.MaxActions, ActionList())
	sb.WriteString("<Allowed actions>")
	for _, a := range articulation.Vocabulary() {
		if a == articulation.ActionIdle {
			continue
		}
		fmt.Fprintf(&sb, "%s to %s.\n", a, a.Hint())
	}
	fmt.Fprintf(&sb, "%s=<target> to target a creature from your map.\n", articulation.TargetKey)
	fmt.Fprintf(&sb, "%s if none of the above.\n", articulation.ActionIdle)
	sb.WriteString("</Allowed actions></Fields 2-4>\n")

	fmt.Fprintf(&sb, "Print nothing else other than Fields 1-4, separated by %c. ", articulation.Separator)
	sb.WriteString("Output must be a single line with no markdown or extra text. ")
	sb.WriteString("Absolutely no notes, explanations, or parenthetical text.")
	for _, ex := range examples {
		fmt.Fprintf(&sb, "<Example Output>%s</Example Output>\n", ex)
	}
	sb.WriteString("</System>\n")
	return sb.String()
}

// Warmup renders the throwaway prompt used to load the model.
func (b *Builder) Warmup() string {
	return b.Build(WarmupSnapshot, "")
}

// ActionList returns the allow-list followed by the target form, comma
// separated, in vocabulary order.
func ActionList() string {
	vocab := articulation.Vocabulary()
	parts := make([]string, 0, len(vocab)+1)
	for _, a := range vocab {
		parts = append(parts, a.String())
	}
	parts = append(parts, articulation.TargetKey+"=<target>")
	return strings.Join(parts, ", ")
}
