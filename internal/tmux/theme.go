package tmux

import (
	"fmt"
	"hash/fnv"

	"github.com/obra/overstory/internal/util"
)

// Theme is a tmux status-bar color scheme.
type Theme struct {
	Name string
	BG   string // hex or tmux color name
	FG   string
}

// capabilityThemes gives each capability a fixed scheme, so a human
// attaching to a pane can tell the kind of worker at a glance.
var capabilityThemes = map[string]Theme{
	"scout":       {Name: "scout", BG: "#1e3a5f", FG: "#e0e0e0"},       // deep blue
	"builder":     {Name: "builder", BG: "#2d5a3d", FG: "#e0e0e0"},     // forest green
	"reviewer":    {Name: "reviewer", BG: "#4a3050", FG: "#e0e0e0"},    // plum
	"lead":        {Name: "lead", BG: "#3d3200", FG: "#ffd700"},        // gold on dark
	"merger":      {Name: "merger", BG: "#8b4513", FG: "#f5f5dc"},      // rust
	"coordinator": {Name: "coordinator", BG: "#722f37", FG: "#f5f5dc"}, // burgundy
	"supervisor":  {Name: "supervisor", BG: "#0d5c63", FG: "#e0e0e0"},  // teal
	"monitor":     {Name: "monitor", BG: "#4a5568", FG: "#e0e0e0"},     // slate
}

// fallbackPalette covers capabilities added to a manifest that the fixed
// table does not know. Hashing the agent name keeps the pick stable.
var fallbackPalette = []Theme{
	{Name: "ember", BG: "#b33a00", FG: "#f5f5dc"},
	{Name: "midnight", BG: "#1a1a2e", FG: "#c0c0c0"},
	{Name: "copper", BG: "#6d4c41", FG: "#f5f5dc"},
	{Name: "pine", BG: "#1f3d2f", FG: "#d0e0d0"},
}

// ThemeFor picks the status-bar theme for an agent. Known capabilities map
// to their fixed scheme; anything else hashes the agent name into the
// fallback palette so the same agent always comes back the same color.
func ThemeFor(agent, capability string) Theme {
	if t, ok := capabilityThemes[capability]; ok {
		return t
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(agent))
	return fallbackPalette[int(h.Sum32())%len(fallbackPalette)]
}

// Style returns the tmux status-style value for the theme.
func (t Theme) Style() string {
	return fmt.Sprintf("bg=%s,fg=%s", t.BG, t.FG)
}

// ApplyTheme sets the session's status bar to the theme. Cosmetic, so
// callers typically ignore the error.
func ApplyTheme(name string, t Theme) error {
	return util.Run("", "tmux", "set-option", "-t", name, "status-style", t.Style())
}
