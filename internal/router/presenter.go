package router

import (
	"log/slog"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/protocol"
)

// Presenter publishes the visible transitions of every session on the bus.
type Presenter struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewPresenter(busClient *bus.Client, logger *slog.Logger) *Presenter {
	return &Presenter{
		bus:    busClient,
		logger: logger.With(slog.String("component", "presenter")),
	}
}

func (p *Presenter) ShowLoading(sessionID string, loading bool) {
	p.publish(protocol.SubjectLoadingPrefix, sessionID, protocol.LoadingEvent{Loading: loading})
}

func (p *Presenter) RevealMessage(sessionID string, turn int, text string, fallback bool) {
	p.publish(protocol.SubjectMessagePrefix, sessionID, protocol.MessageEvent{
		Turn:     turn,
		Text:     text,
		Fallback: fallback,
	})
}

func (p *Presenter) RevealChoices(sessionID string, turn int, choices []chat.Choice) {
	event := protocol.ChoicesEvent{Turn: turn, Choices: make([]protocol.Choice, 0, len(choices))}
	for _, c := range choices {
		event.Choices = append(event.Choices, protocol.Choice{Index: c.Index, Text: c.Text})
	}
	p.publish(protocol.SubjectChoicesPrefix, sessionID, event)
}

func (p *Presenter) DiscardChoices(sessionID string, turn int, selected int) {
	p.publish(protocol.SubjectDiscardPrefix, sessionID, protocol.DiscardEvent{Turn: turn, Selected: selected})
}

func (p *Presenter) SetBackground(sessionID string, bg chat.Background) {
	p.publish(protocol.SubjectBackgroundPrefix, sessionID, protocol.BackgroundEvent{
		MIMEType: bg.MIMEType,
		Image:    bg.Image,
		Gradient: bg.Gradient,
	})
}

func (p *Presenter) publish(prefix, sessionID string, v any) {
	subject := protocol.SessionSubject(prefix, sessionID)
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}
