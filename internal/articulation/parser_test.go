package articulation

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrict_QuotedSpeechWithTarget(t *testing.T) {
	intent, err := ParseStrict(`"Hello there"|equip_gun|attack=zombie`)
	require.NoError(t, err)

	if intent.Speech != "Hello there" {
		t.Fatalf("Speech = %q, want %q", intent.Speech, "Hello there")
	}
	if diff := cmp.Diff([]Action{ActionEquipGun}, intent.Actions); diff != "" {
		t.Fatalf("Actions mismatch (-want +got):\n%s", diff)
	}
	if intent.Target != "zombie" {
		t.Fatalf("Target = %q, want zombie", intent.Target)
	}
}

func TestParseStrict_Valid(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		speech  string
		actions []Action
		target  string
	}{
		{"single idle", "Blow me.|idle", "Blow me.", []Action{ActionIdle}, ""},
		{"mixed case target", "Lets go.|use_melee|attack=Zombie", "Lets go.", []Action{ActionUseMelee}, "zombie"},
		{"two fields of actions", "Providing cover!|guard_area|use_gun", "Providing cover!", []Action{ActionGuardArea, ActionUseGun}, ""},
		{"tokens in one field", "Move.|follow_player use_bow", "Move.", []Action{ActionFollowPlayer, ActionUseBow}, ""},
		{"comma separated tokens", "Move.|follow_player, use_bow", "Move.", []Action{ActionFollowPlayer, ActionUseBow}, ""},
		{"quoted token", `Ok.|"guard_area"`, "Ok.", []Action{ActionGuardArea}, ""},
		{"uppercase token", "Ok.|USE_GUN", "Ok.", []Action{ActionUseGun}, ""},
		{"target only becomes idle", "Die!|attack=zombie", "Die!", []Action{ActionIdle}, "zombie"},
		{"target trimmed to word run", "Die!|use_gun|attack=feral_dog!!", "Die!", []Action{ActionUseGun}, "feral_dog"},
		{"escaped quotes keep separator", `"She said ""run"" | now"|follow_player`, `She said "run" | now`, []Action{ActionFollowPlayer}, ""},
		{"three actions max", "Go.|use_gun|guard_area|follow_player", "Go.", []Action{ActionUseGun, ActionGuardArea, ActionFollowPlayer}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := ParseStrict(tt.line)
			if err != nil {
				t.Fatalf("ParseStrict(%q) error = %v", tt.line, err)
			}
			if intent.Speech != tt.speech {
				t.Fatalf("Speech = %q, want %q", intent.Speech, tt.speech)
			}
			if diff := cmp.Diff(tt.actions, intent.Actions); diff != "" {
				t.Fatalf("Actions mismatch (-want +got):\n%s", diff)
			}
			if intent.Target != tt.target {
				t.Fatalf("Target = %q, want %q", intent.Target, tt.target)
			}
		})
	}
}

func TestParseStrict_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"no separator", "Hello", "at least one action field"},
		{"five fields", "Hi|idle|use_gun|guard_area|use_bow", "at most 4"},
		{"empty speech", "|idle", "speech field missing"},
		{"empty action field", "Hi||idle", "empty action field"},
		{"unknown action", "Fine.|dance", "not allowed"},
		{"invalid token", "Fine.|use-gun", "invalid"},
		{"too many actions", "Go|use_gun guard_area use_melee use_bow", "more than 3"},
		{"repeated target", "X|attack=a attack=b", "repeated"},
		{"missing target", "X|use_gun|attack=", "target missing"},
		{"bad target", "X|attack=!!", "invalid"},
		{"target on wrong key", "X|guard_area=gate", "does not take a target"},
		{"unterminated quote", `"Hello|idle`, "unterminated"},
		{"text after quote", `"Stay close" please|idle`, "unexpected text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStrict(tt.line)
			if err == nil {
				t.Fatalf("ParseStrict(%q) succeeded, want error containing %q", tt.line, tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ParseStrict(%q) error = %v, want it to contain %q", tt.line, err, tt.want)
			}
		})
	}
}

func TestParse_FiveFieldsFallsBackToLenient(t *testing.T) {
	p := NewParser()
	line := "Hi|idle|use_gun|guard_area|use_bow"

	_, strictErr := ParseStrict(line)
	require.Error(t, strictErr)

	intent, err := p.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, MethodLenient, intent.Method)
	assert.NotEmpty(t, intent.Speech)
	assert.Equal(t, "Hi", intent.Speech)
	require.Len(t, intent.Actions, 1)
	// guard_area outranks the others in the lenient scan
	assert.Equal(t, ActionGuardArea, intent.Actions[0])
	require.NotEmpty(t, intent.Warnings)
	assert.Contains(t, intent.Warnings[0], "used lenient parsing")
}

func TestParse_Pipeline(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		method  ParseMethod
		speech  string
		actions []Action
		target  string
	}{
		{
			name:    "code fences",
			text:    "```\nOk then.|follow_player\n```",
			method:  MethodStrict,
			speech:  "Ok then.",
			actions: []Action{ActionFollowPlayer},
		},
		{
			name:    "reasoning block",
			text:    "<think>maybe use_gun|attack=dog</think>\nFine.|idle",
			method:  MethodStrict,
			speech:  "Fine.",
			actions: []Action{ActionIdle},
		},
		{
			name:    "commentary before answer",
			text:    "Sure, here is my answer:\n\nCover me!|guard_area\nHope that helps.",
			method:  MethodStrict,
			speech:  "Cover me!",
			actions: []Action{ActionGuardArea},
		},
		{
			name:    "plus separators",
			text:    "Cover me++guard_area+use_gun",
			method:  MethodNormalized,
			speech:  "Cover me",
			actions: []Action{ActionGuardArea, ActionUseGun},
		},
		{
			name:    "unknown action collapses to idle",
			text:    "Fine.|dance",
			method:  MethodLenient,
			speech:  "Fine.",
			actions: []Action{ActionIdle},
		},
		{
			name:    "quoted speech without separator",
			text:    `"Stay close" follow_player`,
			method:  MethodLenient,
			speech:  "Stay close",
			actions: []Action{ActionFollowPlayer},
		},
		{
			name:    "keyword inside word does not match",
			text:    "Sure|reuse_gunk",
			method:  MethodLenient,
			speech:  "Sure",
			actions: []Action{ActionIdle},
		},
		{
			name:    "bare prose with target hint",
			text:    "I'll attack=raider now",
			method:  MethodLenient,
			speech:  "I'll attack=raider now",
			actions: []Action{ActionIdle},
			target:  "raider",
		},
		{
			name:    "repeated target recovers first hint",
			text:    "X|attack=a attack=b",
			method:  MethodLenient,
			speech:  "X",
			actions: []Action{ActionIdle},
			target:  "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := NewParser().Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.text, err)
			}
			if intent.Method != tt.method {
				t.Fatalf("Method = %q, want %q", intent.Method, tt.method)
			}
			if intent.Speech != tt.speech {
				t.Fatalf("Speech = %q, want %q", intent.Speech, tt.speech)
			}
			if diff := cmp.Diff(tt.actions, intent.Actions); diff != "" {
				t.Fatalf("Actions mismatch (-want +got):\n%s", diff)
			}
			if intent.Target != tt.target {
				t.Fatalf("Target = %q, want %q", intent.Target, tt.target)
			}
			if len(intent.Actions) > MaxActions {
				t.Fatalf("got %d actions, want at most %d", len(intent.Actions), MaxActions)
			}
		})
	}
}

func TestParse_TargetDisagreementKeepsFieldValue(t *testing.T) {
	text := "Spotted one, attack=raider maybe\nGo.|use_gun|attack=zombie"

	intent, err := NewParser().Parse(text)
	require.NoError(t, err)
	assert.Equal(t, MethodStrict, intent.Method)
	assert.Equal(t, "zombie", intent.Target)
	require.Len(t, intent.Warnings, 1)
	assert.Contains(t, intent.Warnings[0], "disagrees")
}

func TestParse_NoSpeech(t *testing.T) {
	for _, text := range []string{"", "   \n\n", "```\n```", "<think>only thoughts</think>"} {
		_, err := NewParser().Parse(text)
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("Parse(%q) error = %v, want *ParseError", text, err)
		}
	}
}

func TestParse_Stats(t *testing.T) {
	p := NewParser()
	inputs := []string{
		"Ok.|idle",
		"Ok+idle",
		"Fine.|dance",
		"I'll attack=raider now",
		"",
	}
	for _, in := range inputs {
		_, _ = p.Parse(in)
	}

	want := ProcessorStats{
		TotalProcessed:   5,
		StrictParses:     1,
		NormalizedParses: 1,
		LenientParses:    2,
		TargetBackfills:  1,
		Failures:         1,
	}
	if diff := cmp.Diff(want, p.GetStats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	p.ResetStats()
	assert.Equal(t, ProcessorStats{}, p.GetStats())
}

func TestParsedIntent_Keywords(t *testing.T) {
	intent := &ParsedIntent{Actions: []Action{ActionUseGun, ActionIdle}}
	assert.Equal(t, []string{"use_gun", "idle"}, intent.Keywords())
}
