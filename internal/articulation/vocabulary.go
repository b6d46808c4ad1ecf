package articulation

// =============================================================================
// ACTION VOCABULARY
// =============================================================================
// The worker may only ask for actions from this fixed allow-list. Anything
// else is rejected by the strict parser and never reaches the applier.

// Action is one allow-listed behavior the worker may request.
type Action int

const (
	ActionIdle Action = iota // the no-op
	ActionGuardArea
	ActionFollowPlayer
	ActionUseGun
	ActionUseMelee
	ActionUseBow
	ActionEquipGun
)

// TargetKey is the only action key that accepts a "key=target" form.
const TargetKey = "attack"

// MaxActions bounds the number of action tokens in one answer.
const MaxActions = 3

type vocabularyEntry struct {
	action  Action
	keyword string
	hint    string
}

// vocabulary is ordered by lenient-scan priority; idle comes last so a
// concrete action always wins over the no-op.
var vocabulary = []vocabularyEntry{
	{ActionGuardArea, "guard_area", "stay put, keep watch, wait, stand"},
	{ActionFollowPlayer, "follow_player", "walk behind, follow, run"},
	{ActionUseGun, "use_gun", "use gun, rifle, thrower"},
	{ActionUseMelee, "use_melee", "bash, cut, kick, in close combat"},
	{ActionUseBow, "use_bow", "use bow, crossbow, stealth"},
	{ActionEquipGun, "equip_gun", "draw or ready a firearm"},
	{ActionIdle, "idle", "none of the above"},
}

var keywordIndex = func() map[string]Action {
	m := make(map[string]Action, len(vocabulary))
	for _, e := range vocabulary {
		m[e.keyword] = e.action
	}
	return m
}()

// String returns the wire keyword for the action.
func (a Action) String() string {
	for _, e := range vocabulary {
		if e.action == a {
			return e.keyword
		}
	}
	return "unknown"
}

// Hint returns a short natural-language description used when prompting.
func (a Action) Hint() string {
	for _, e := range vocabulary {
		if e.action == a {
			return e.hint
		}
	}
	return ""
}

// ActionFromKeyword looks a lowercase keyword up in the allow-list.
func ActionFromKeyword(keyword string) (Action, bool) {
	a, ok := keywordIndex[keyword]
	return a, ok
}

// Vocabulary returns the allow-listed actions in priority order.
func Vocabulary() []Action {
	out := make([]Action, len(vocabulary))
	for i, e := range vocabulary {
		out[i] = e.action
	}
	return out
}

// isWordByte reports whether b belongs to the [a-z0-9_] token alphabet.
func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

// isWord reports whether s is a non-empty [a-z0-9_]+ run.
func isWord(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isWordByte(s[i]) {
			return false
		}
	}
	return true
}

// wordPrefix returns the leading [a-z0-9_]+ run of s.
func wordPrefix(s string) string {
	end := 0
	for end < len(s) && isWordByte(s[end]) {
		end++
	}
	return s[:end]
}
