package events

import (
	"encoding/json"
	"fmt"
)

// maxSummaryLen bounds tool-call summaries stored in the log.
const maxSummaryLen = 80

// Filtered is the bounded view of one tool call's arguments.
type Filtered struct {
	// Args holds only the whitelisted fields for the tool.
	Args map[string]string `json:"args"`

	// Summary is a one-line human description, at most 80 characters.
	Summary string `json:"summary"`
}

// ArgsJSON renders the filtered args as the JSON stored verbatim in the log.
func (f *Filtered) ArgsJSON() string {
	data, err := json.Marshal(f.Args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

type toolFilter func(input map[string]any) *Filtered

// toolFilters maps a tool name to its filter. Unknown tools fall through
// to a generic summary with no arguments, so the store never ingests
// unbounded payloads.
var toolFilters = map[string]toolFilter{
	"Bash": func(in map[string]any) *Filtered {
		cmd := stringField(in, "command")
		return &Filtered{
			Args:    map[string]string{"command": truncate(cmd, maxSummaryLen)},
			Summary: truncate("$ "+cmd, maxSummaryLen),
		}
	},
	"Read": pathFilter("file_path", "read"),
	"Write": func(in map[string]any) *Filtered {
		path := stringField(in, "file_path")
		size := len(stringField(in, "content"))
		return &Filtered{
			Args:    map[string]string{"file_path": path, "bytes": fmt.Sprintf("%d", size)},
			Summary: truncate(fmt.Sprintf("write %s (%d bytes)", path, size), maxSummaryLen),
		}
	},
	"Edit":         pathFilter("file_path", "edit"),
	"NotebookEdit": pathFilter("notebook_path", "edit notebook"),
	"Glob":         patternFilter("pattern", "glob"),
	"Grep":         patternFilter("pattern", "grep"),
	"Task": func(in map[string]any) *Filtered {
		desc := stringField(in, "description")
		return &Filtered{
			Args:    map[string]string{"description": truncate(desc, maxSummaryLen)},
			Summary: truncate("task: "+desc, maxSummaryLen),
		}
	},
	"WebFetch": pathFilter("url", "fetch"),
}

// FilterToolArgs reduces a raw tool_input payload to the bounded record
// stored in the event log.
func FilterToolArgs(toolName string, input map[string]any) *Filtered {
	if f, ok := toolFilters[toolName]; ok {
		return f(input)
	}
	return &Filtered{
		Args:    map[string]string{},
		Summary: truncate(toolName+" call", maxSummaryLen),
	}
}

func pathFilter(field, verb string) toolFilter {
	return func(in map[string]any) *Filtered {
		path := stringField(in, field)
		return &Filtered{
			Args:    map[string]string{field: path},
			Summary: truncate(verb+" "+path, maxSummaryLen),
		}
	}
}

func patternFilter(field, verb string) toolFilter {
	return func(in map[string]any) *Filtered {
		pat := stringField(in, field)
		return &Filtered{
			Args:    map[string]string{field: truncate(pat, maxSummaryLen)},
			Summary: truncate(verb+" "+pat, maxSummaryLen),
		}
	}
}

func stringField(in map[string]any, key string) string {
	if v, ok := in[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
