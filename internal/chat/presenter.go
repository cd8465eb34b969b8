package chat

import (
	"context"

	"github.com/loqalabs/loqa-chat/internal/tts"
)

// FreeTextIndex is the choice slot reserved for text typed by the user. It is
// never proposed by the model and never prefetched.
const FreeTextIndex = 4

// DefaultGradient is the background used when no image is available.
const DefaultGradient = "linear-gradient(135deg, #667eea 0%, #764ba2 100%)"

type Choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Background is either an image or a CSS gradient.
type Background struct {
	Image    []byte
	MIMEType string
	Gradient string
}

// Presenter receives the visible transitions of every session. Calls are made
// with the session locked, so implementations must not block and must not
// call back into the orchestrator.
type Presenter interface {
	ShowLoading(sessionID string, loading bool)
	RevealMessage(sessionID string, turn int, text string, fallback bool)
	RevealChoices(sessionID string, turn int, choices []Choice)
	DiscardChoices(sessionID string, turn int, selected int)
	SetBackground(sessionID string, bg Background)
}

// AudioHandle is one loaded, playable clip. Ready is closed once playback can
// start.
type AudioHandle interface {
	Ready() <-chan struct{}
	Play() error
	Stop()
}

// Player turns synthesized clips into handles.
type Player interface {
	Load(ctx context.Context, sessionID string, clip tts.Clip) (AudioHandle, error)
}

// Recorder receives the session timeline. A nil Recorder records nothing.
type Recorder interface {
	RecordSessionStart(ctx context.Context, sessionID, personaID, description string) error
	RecordTurn(ctx context.Context, sessionID string, turn int, userText, reply string, fallback bool) error
	RecordSessionEnd(ctx context.Context, sessionID string) error
}
