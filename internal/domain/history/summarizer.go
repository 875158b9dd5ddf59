package history

import (
	"fmt"
	"strings"

	"github.com/kirogate/kirogate/internal/domain/chat"
)

// summaryLabel marks the synthetic user turn that carries a summary of
// truncated history. Downstream models treat it as prior context.
const summaryLabel = "[prior context summary]"

// summaryAck keeps the user/assistant alternation intact after the
// synthetic summary turn is prepended.
const summaryAck = "Acknowledged."

// summaryPromptTemplate asks the fast upstream model for a compact digest
// of the turns being dropped.
const summaryPromptTemplate = `Condense the following conversation history into a short summary that preserves:
1. the user's goals and core requests
2. decisions made and work completed
3. key code or configuration changes
4. unresolved questions or pending tasks

Keep it brief and use bullet points.

Conversation:
%s

Summary:`

// maxSummaryInputChars caps how much rendered history is sent to the
// summarizer; older lines beyond the cap are elided.
const maxSummaryInputChars = 32000

// SummaryPrompt renders the request sent to the summarizing model.
func SummaryPrompt(rendered string) string {
	return fmt.Sprintf(summaryPromptTemplate, rendered)
}

// renderTurns flattens turns into "[role]: text" lines for summarization.
// Tool activity is noted by name so the summary can reference it. When the
// rendering exceeds the input cap, the oldest lines are elided — the most
// recent of the dropped turns carry the most context.
func renderTurns(turns []chat.Turn) string {
	lines := make([]string, 0, len(turns))
	total := 0
	for _, t := range turns {
		line := fmt.Sprintf("[%s]: %s", t.Role, t.Content)
		for _, u := range t.ToolUses {
			line += fmt.Sprintf(" (called tool %s)", u.Name)
		}
		for _, r := range t.ToolResults {
			preview := r.Content
			if len(preview) > 200 {
				preview = preview[:200] + "..."
			}
			line += fmt.Sprintf(" (tool result: %s)", preview)
		}
		lines = append(lines, line)
		total += len(line) + 1
	}

	elided := false
	for len(lines) > 1 && total > maxSummaryInputChars {
		total -= len(lines[0]) + 1
		lines = lines[1:]
		elided = true
	}

	var sb strings.Builder
	if elided {
		sb.WriteString("... (earlier turns elided)\n")
	}
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
