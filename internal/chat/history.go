package chat

import (
	"strings"

	"github.com/loqalabs/loqa-chat/internal/llm"
)

const summaryPrefix = "대화 요약:\n"

// History is the ordered record of a session's exchanges, flattened into
// alternating user and assistant entries. It is not safe for concurrent use;
// Session guards it.
type History struct {
	entries []llm.Message
}

// Append records one round trip. An empty reply still produces an assistant
// entry.
func (h *History) Append(userText, reply string) {
	h.entries = append(h.entries,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
}

// Recent returns a copy of the last n entries, oldest first.
func (h *History) Recent(n int) []llm.Message {
	if n <= 0 || len(h.entries) == 0 {
		return nil
	}
	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]llm.Message, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

func (h *History) Len() int {
	return len(h.entries)
}

func (h *History) Reset() {
	h.entries = nil
}

// BuildRequestMessages assembles a model request: persona system prompt,
// the summary (only when set), recent history, then the new user text.
func BuildRequestMessages(persona, summary string, recent []llm.Message, userText string) []llm.Message {
	messages := make([]llm.Message, 0, len(recent)+3)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: strings.TrimSpace(persona)})
	if summary != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: summaryPrefix + summary})
	}
	messages = append(messages, recent...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})
	return messages
}
