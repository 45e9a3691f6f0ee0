package chat

import (
	"strings"

	"github.com/kbchat/kbchat/internal/core"
)

// Section markers delimiting the flattened transcript.
const (
	HistoryMarker  = "=== CONVERSATION HISTORY (CONTEXT) ==="
	QuestionMarker = "=== CURRENT QUESTION ==="
)

// FormatQuery flattens prior turns and the current question into the single
// query string the backend accepts. History comes first, one role-labeled
// line per turn, and is omitted when there are no prior turns. The question
// section is always present.
func FormatQuery(current string, prior []core.Turn) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString(HistoryMarker)
		b.WriteByte('\n')
		for _, t := range prior {
			if t.IsUser {
				b.WriteString("User: ")
			} else {
				b.WriteString("Assistant: ")
			}
			b.WriteString(t.Content)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(QuestionMarker)
	b.WriteByte('\n')
	b.WriteString(current)
	return b.String()
}

// History drops the welcome turn, leaving the turns worth sending as
// context.
func History(turns []core.Turn) []core.Turn {
	out := make([]core.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == WelcomeID {
			continue
		}
		out = append(out, t)
	}
	return out
}
