package chat

import (
	"fmt"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/llm"
)

func TestRecentReturnsLastEntries(t *testing.T) {
	var h History
	for i := 0; i < 10; i++ {
		h.Append(fmt.Sprintf("user %d", i), fmt.Sprintf("reply %d", i))
	}
	if h.Len() != 20 {
		t.Fatalf("expected 20 entries, got %d", h.Len())
	}
	recent := h.Recent(8)
	if len(recent) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(recent))
	}
	if recent[0].Role != llm.RoleUser || recent[0].Content != "user 6" {
		t.Fatalf("unexpected oldest entry %+v", recent[0])
	}
	if recent[7].Role != llm.RoleAssistant || recent[7].Content != "reply 9" {
		t.Fatalf("unexpected newest entry %+v", recent[7])
	}

	recent[0].Content = "mutated"
	if h.Recent(8)[0].Content != "user 6" {
		t.Fatal("Recent must return a copy")
	}
}

func TestRecentShortHistory(t *testing.T) {
	var h History
	if got := h.Recent(8); len(got) != 0 {
		t.Fatalf("expected empty history, got %v", got)
	}
	h.Append("안녕", "")
	got := h.Recent(8)
	if len(got) != 2 || got[1].Content != "" {
		t.Fatalf("expected user and empty assistant entry, got %+v", got)
	}
	h.Reset()
	if h.Len() != 0 {
		t.Fatalf("expected reset history, got %d", h.Len())
	}
}

func TestBuildRequestMessagesOrder(t *testing.T) {
	recent := []llm.Message{
		{Role: llm.RoleUser, Content: "q"},
		{Role: llm.RoleAssistant, Content: "a"},
	}
	messages := BuildRequestMessages(" persona \n", "요약", recent, "다음")
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "persona"},
		{Role: llm.RoleSystem, Content: "대화 요약:\n요약"},
		{Role: llm.RoleUser, Content: "q"},
		{Role: llm.RoleAssistant, Content: "a"},
		{Role: llm.RoleUser, Content: "다음"},
	}
	if len(messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(messages))
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Fatalf("message %d: expected %+v, got %+v", i, want[i], messages[i])
		}
	}

	withoutSummary := BuildRequestMessages("persona", "", nil, "다음")
	if len(withoutSummary) != 2 || withoutSummary[1].Role != llm.RoleUser {
		t.Fatalf("summary message should be omitted, got %+v", withoutSummary)
	}
}
