package chat

// Role classifies a normalized conversation turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Stop reasons reported to downstream clients.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ToolSpec describes one callable tool offered to the upstream model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolUse is a tool invocation requested by the assistant.
// Input is the parsed argument object; a fragment stream that never
// assembles into valid JSON is kept under a single "raw" key.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResult carries the outcome of one tool invocation back upstream.
type ToolResult struct {
	ToolUseID string
	Content   string
}

// Image is an inline attachment extracted from an inbound message.
type Image struct {
	Format string // png, jpeg, gif, webp
	Data   string // base64 payload, no data: prefix
}

// Turn is one step of the normalized conversation history.
// Assistant turns may carry ToolUses; user turns carry the ToolResults
// answering them. RoleToolResult turns exist only between translation and
// repair — repair folds them into the adjacent user turn.
type Turn struct {
	Role        Role
	Content     string
	ToolUses    []ToolUse
	ToolResults []ToolResult
}

// Prompt is the canonical request every inbound dialect reduces to.
// History excludes the final user message: that text is UserContent, and
// its tool results and images ride along as the current-message context.
type Prompt struct {
	UserContent string
	History     []Turn
	Tools       []ToolSpec
	ToolResults []ToolResult
	Images      []Image

	Model        string // resolved upstream model id
	PseudoStream bool
	SessionKey   string
}

// Result is the decoded upstream reply for one relay.
type Result struct {
	Text       string
	ToolUses   []ToolUse
	StopReason string
}

// EstimateTokens is the best-effort token count used by count_tokens and
// usage reporting: one token per four characters, rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// ChunkText splits s into rune-safe pieces of at most size runes.
// Used by the buffered-then-chunked streaming mode.
func ChunkText(s string, size int) []string {
	if size <= 0 || s == "" {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
