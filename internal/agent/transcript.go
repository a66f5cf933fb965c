package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/tally/internal/conversation"
)

// FormatTranscript renders turns as "[HH:MM] role: content" lines for
// terminal display. Tool results are shown by name and outcome only;
// status turns are shown in parentheses.
func FormatTranscript(turns []conversation.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		ts := t.CreatedAt.Local().Format("15:04")
		switch {
		case t.Status:
			fmt.Fprintf(&sb, "[%s] (%s)\n", ts, t.Content)
		case t.HasToolRequests():
			for _, req := range t.ToolRequests {
				fmt.Fprintf(&sb, "[%s] %s: -> %s(%s)\n", ts, t.Role, req.Name, formatArgs(req.Arguments))
			}
		case t.Role == conversation.RoleTool:
			outcome := "ok"
			if t.IsError {
				outcome = "error"
			}
			fmt.Fprintf(&sb, "[%s] %s: <- %s %s (%d bytes)\n", ts, t.Role, t.ToolName, outcome, len(t.Content))
		default:
			fmt.Fprintf(&sb, "[%s] %s: %s\n", ts, t.Role, t.Content)
		}
	}
	return sb.String()
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, fmt.Sprint(args[k]))
	}
	return strings.Join(parts, ", ")
}
