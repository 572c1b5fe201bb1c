package assembler

import (
	"fmt"
	"strings"

	"github.com/agentconsole/console/runtime/console/event"
)

// resultAnnotation describes an abnormal turn result for the user.
func resultAnnotation(r event.TurnResult) string {
	var notes []string
	switch r.Subtype {
	case event.SubtypeSuccess, "":
		if r.IsError {
			notes = append(notes, "The turn ended with an error.")
		}
	case event.SubtypeMaxTurns:
		if r.NumTurns > 0 {
			notes = append(notes, fmt.Sprintf("Stopped after %d turns: the turn limit was reached.", r.NumTurns))
		} else {
			notes = append(notes, "Stopped: the turn limit was reached.")
		}
	case event.SubtypeExecutionError:
		notes = append(notes, "Stopped: an error occurred while executing the turn.")
	default:
		notes = append(notes, fmt.Sprintf("The turn ended abnormally (%s).", r.Subtype))
	}
	if len(r.PermissionDenials) > 0 {
		notes = append(notes, "Permission denied for "+deniedTools(r.PermissionDenials)+".")
	}
	return strings.Join(notes, " ")
}

// errorAnnotation describes a stream failure for the user.
func errorAnnotation(ev event.StreamError) string {
	msg := ev.Message
	if msg == "" && ev.Err != nil {
		msg = ev.Err.Error()
	}
	if msg == "" {
		return "Error: the response stream failed."
	}
	return "Error: " + msg
}

func deniedTools(denials []event.PermissionDenial) string {
	seen := make(map[string]struct{}, len(denials))
	names := make([]string, 0, len(denials))
	for _, d := range denials {
		name := d.ToolName
		if name == "" {
			name = "unknown tool"
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
