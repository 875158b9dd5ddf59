package history

import (
	"github.com/kirogate/kirogate/internal/domain/chat"
)

// Repair normalizes a turn sequence so the upstream accepts it: tool_result
// turns fold into user turns, consecutive same-role turns merge, the
// sequence starts with user, and tool-use/tool-result frames pair up.
// Orphan frames are removed. A trailing assistant turn keeps its tool uses;
// their results may arrive with the current message.
func Repair(turns []chat.Turn) []chat.Turn {
	if len(turns) == 0 {
		return nil
	}

	folded := foldToolResults(turns)
	merged := mergeAdjacent(folded)

	// The upstream requires the first history entry to be a user turn.
	for len(merged) > 0 && merged[0].Role == chat.RoleAssistant {
		merged = merged[1:]
	}
	if len(merged) == 0 {
		return nil
	}

	pairToolFrames(merged)
	return merged
}

// foldToolResults rewrites tool_result turns as user turns, merging into a
// preceding user turn when one is adjacent.
func foldToolResults(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != chat.RoleToolResult {
			out = append(out, t)
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == chat.RoleUser {
			out[n-1].ToolResults = append(out[n-1].ToolResults, t.ToolResults...)
			out[n-1].Content = joinText(out[n-1].Content, t.Content)
			continue
		}
		out = append(out, chat.Turn{
			Role:        chat.RoleUser,
			Content:     t.Content,
			ToolResults: t.ToolResults,
		})
	}
	return out
}

// mergeAdjacent collapses consecutive turns of the same role into one.
func mergeAdjacent(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, 0, len(turns))
	for _, t := range turns {
		n := len(out)
		if n == 0 || out[n-1].Role != t.Role {
			out = append(out, t)
			continue
		}
		out[n-1].Content = joinText(out[n-1].Content, t.Content)
		out[n-1].ToolUses = append(out[n-1].ToolUses, t.ToolUses...)
		out[n-1].ToolResults = append(out[n-1].ToolResults, t.ToolResults...)
	}
	return out
}

// pairToolFrames drops assistant tool uses with no matching result in the
// following user turn, and user tool results with no matching use in the
// preceding assistant turn. Runs in place on an alternating sequence.
func pairToolFrames(turns []chat.Turn) {
	for i := range turns {
		switch turns[i].Role {
		case chat.RoleAssistant:
			if len(turns[i].ToolUses) == 0 || i+1 >= len(turns) {
				// A trailing assistant turn keeps its uses.
				continue
			}
			answered := resultIDs(turns[i+1].ToolResults)
			turns[i].ToolUses = filterUses(turns[i].ToolUses, answered)
		case chat.RoleUser:
			if len(turns[i].ToolResults) == 0 {
				continue
			}
			if i == 0 {
				turns[i].ToolResults = nil
				continue
			}
			asked := useIDs(turns[i-1].ToolUses)
			turns[i].ToolResults = filterResults(turns[i].ToolResults, asked)
		}
	}
}

func resultIDs(results []chat.ToolResult) map[string]bool {
	ids := make(map[string]bool, len(results))
	for _, r := range results {
		ids[r.ToolUseID] = true
	}
	return ids
}

func useIDs(uses []chat.ToolUse) map[string]bool {
	ids := make(map[string]bool, len(uses))
	for _, u := range uses {
		ids[u.ID] = true
	}
	return ids
}

func filterUses(uses []chat.ToolUse, keep map[string]bool) []chat.ToolUse {
	out := uses[:0]
	for _, u := range uses {
		if keep[u.ID] {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func filterResults(results []chat.ToolResult, keep map[string]bool) []chat.ToolResult {
	out := results[:0]
	for _, r := range results {
		if keep[r.ToolUseID] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

// SplitCurrent separates the trailing user turn from a repaired sequence:
// the turn's text becomes the current message, its tool results and the
// remaining turns become the request history. A trailing assistant turn is
// dropped — the upstream only accepts a user turn as the current message.
func SplitCurrent(turns []chat.Turn) (history []chat.Turn, current chat.Turn) {
	for len(turns) > 0 && turns[len(turns)-1].Role != chat.RoleUser {
		turns = turns[:len(turns)-1]
	}
	if len(turns) == 0 {
		return nil, chat.Turn{Role: chat.RoleUser}
	}
	return turns[:len(turns)-1], turns[len(turns)-1]
}
