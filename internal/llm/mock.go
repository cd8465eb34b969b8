package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a generator that answers in the reply layout the
// chat core expects: one message line followed by four numbered choices.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	prompt := strings.TrimSpace(lastUserMessage(req.Messages))
	content := strings.Join([]string{
		"[mock reply to " + prompt + "]",
		"1. 더 얘기해줘!",
		"2. 오늘 뭐 했어?",
		"3. 좋아하는 음식은 뭐야?",
		"4. 다른 이야기를 해보고 싶어-",
	}, "\n")
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   20 * time.Millisecond,
		TraceID:   req.TraceID,
	})
}
